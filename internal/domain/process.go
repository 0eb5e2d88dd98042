package domain

import (
	"context"
	"time"
)

// ProcessStatus is the lifecycle state of a spawned agent process.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

// SpawnRequest describes one agent process invocation.
type SpawnRequest struct {
	ChatID string
	// SessionID is the identity for the new process session. Generated by
	// the spawner when empty.
	SessionID string
	Agent     AgentSpec
	// Args are the fully built arguments (base + resume + overrides); the
	// spawner appends the prompt itself when Agent.PromptSyntax is "arg".
	Args     []string
	Cwd      string
	Env      map[string]string
	Prompt   string
	ReadOnly bool
}

// ProcessSession is a snapshot of one tracked process.
type ProcessSession struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chat_id"`
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	WorkDir   string        `json:"workdir"`
	Status    ProcessStatus `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// ExitHandler receives the final buffered output of a finished process.
// err is non-nil when the process failed or was killed. Handlers run on the
// spawner's completion goroutine; the engine serializes its own state.
type ExitHandler func(ctx context.Context, sessionID, output string, err error)

// Spawner launches agent processes and reports their completion through an
// ExitHandler. Spawn returns as soon as the process has started; the core
// never blocks waiting for output. The returned session id must be visible
// to the spawned process itself: the engine records it as the participant's
// next resume handle, which only works if the agent learned the id and
// registered its session under it.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (sessionID string, err error)
	Write(sessionID, input string) error
	Kill(ctx context.Context, sessionID string) error
}
