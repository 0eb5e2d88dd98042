package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"huddle/internal/domain"
)

// SessionFile lists addressable sessions from a YAML file. The file is
// re-read on every call so externally registered sessions show up without a
// restart. A missing file means no sessions, not an error.
type SessionFile struct {
	path string
}

func NewSessionFile(path string) *SessionFile {
	return &SessionFile{path: path}
}

type sessionEntry struct {
	Name      string            `yaml:"name"`
	AgentType string            `yaml:"agent_type"`
	Cwd       string            `yaml:"cwd"`
	Handle    string            `yaml:"handle"`
	Model     string            `yaml:"model"`
	ExtraArgs []string          `yaml:"extra_args"`
	Env       map[string]string `yaml:"env"`
}

type sessionFileDoc struct {
	Sessions []sessionEntry `yaml:"sessions"`
}

func (f *SessionFile) Sessions(_ context.Context) ([]domain.AddressableSession, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var doc sessionFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", f.path, err)
	}

	out := make([]domain.AddressableSession, 0, len(doc.Sessions))
	for _, e := range doc.Sessions {
		if e.Name == "" || e.AgentType == "" {
			continue
		}
		out = append(out, domain.AddressableSession{
			Name:      e.Name,
			AgentType: e.AgentType,
			Cwd:       e.Cwd,
			Handle:    e.Handle,
			Model:     e.Model,
			ExtraArgs: e.ExtraArgs,
			Env:       e.Env,
		})
	}
	return out, nil
}

var _ domain.SessionDirectory = (*SessionFile)(nil)
