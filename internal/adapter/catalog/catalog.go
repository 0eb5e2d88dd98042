package catalog

import (
	"log/slog"
	"os/exec"
	"sort"

	"huddle/internal/domain"
)

// AgentDef is one configured agent type, before executable resolution.
type AgentDef struct {
	ID             string              `yaml:"id"`
	Name           string              `yaml:"name"`
	Command        string              `yaml:"command"`
	BaseArgs       []string            `yaml:"base_args"`
	SupportsResume bool                `yaml:"supports_resume"`
	ResumeArgs     []string            `yaml:"resume_args"`
	PromptSyntax   domain.PromptSyntax `yaml:"prompt_syntax"`
}

// Catalog resolves configured agent definitions to runnable specs. Executable
// lookup happens once at construction; an agent whose binary is not on PATH
// stays in the catalog with Available set to false.
type Catalog struct {
	specs map[string]domain.AgentSpec
}

// New builds a catalog from configured definitions.
func New(defs []AgentDef, logger *slog.Logger) *Catalog {
	specs := make(map[string]domain.AgentSpec, len(defs))
	for _, def := range defs {
		spec := domain.AgentSpec{
			ID:             def.ID,
			Name:           def.Name,
			Command:        def.Command,
			BaseArgs:       append([]string{}, def.BaseArgs...),
			SupportsResume: def.SupportsResume,
			ResumeArgs:     append([]string{}, def.ResumeArgs...),
			PromptSyntax:   def.PromptSyntax,
		}
		if spec.Name == "" {
			spec.Name = def.ID
		}
		if spec.PromptSyntax == "" {
			spec.PromptSyntax = domain.PromptViaStdin
		}
		if path, err := exec.LookPath(def.Command); err == nil {
			spec.Command = path
			spec.Available = true
		} else {
			logger.Warn("agent executable not found", "agent_type", def.ID, "command", def.Command)
		}
		specs[def.ID] = spec
	}
	return &Catalog{specs: specs}
}

func (c *Catalog) Get(agentTypeID string) (domain.AgentSpec, error) {
	spec, ok := c.specs[agentTypeID]
	if !ok {
		return domain.AgentSpec{}, domain.NewDomainError("catalog.Get", domain.ErrAgentUnavailable, agentTypeID)
	}
	return spec, nil
}

func (c *Catalog) List() []domain.AgentSpec {
	out := make([]domain.AgentSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ domain.Catalog = (*Catalog)(nil)
