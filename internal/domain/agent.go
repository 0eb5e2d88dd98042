package domain

import "context"

// PromptSyntax selects how a spawned agent process receives its prompt.
type PromptSyntax string

const (
	// PromptViaStdin writes the prompt to the process's stdin and closes it.
	PromptViaStdin PromptSyntax = "stdin"
	// PromptViaArg passes the prompt as the trailing command-line argument.
	PromptViaArg PromptSyntax = "arg"
)

// AgentSpec is a resolved agent catalog entry. Capabilities are fixed at
// catalog-lookup time; callers never probe optional fields at call sites.
type AgentSpec struct {
	ID             string
	Name           string
	Available      bool
	Command        string
	BaseArgs       []string
	SupportsResume bool
	// ResumeArgs are appended before the resume handle when resuming,
	// e.g. ["--resume"] producing "--resume <handle>".
	ResumeArgs   []string
	PromptSyntax PromptSyntax
}

// Catalog resolves agent type identifiers to runnable specs.
type Catalog interface {
	// Get returns the spec for an agent type. Unknown types return
	// ErrAgentUnavailable; known-but-unresolved types return a spec with
	// Available == false.
	Get(agentTypeID string) (AgentSpec, error)
	List() []AgentSpec
}

// AddressableSession is an existing live session that a mention may attach
// to as a participant, carrying its prior resume handle and overrides.
type AddressableSession struct {
	Name      string
	AgentType string
	Cwd       string
	Handle    string
	Model     string
	ExtraArgs []string
	Env       map[string]string
}

// SessionDirectory lists existing addressable sessions.
type SessionDirectory interface {
	Sessions(ctx context.Context) ([]AddressableSession, error)
}
