package procmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"huddle/internal/domain"
)

// ReadOnlyEnv is set to "1" in a spawned process's environment when the
// triggering round is read-only.
const ReadOnlyEnv = "HUDDLE_READ_ONLY"

// SessionIDEnv carries the assigned session id into the spawned process.
// The engine records the same id as the next resume handle, so the agent
// must see it to register the session it will later be resumed under.
const SessionIDEnv = "HUDDLE_SESSION_ID"

// Config holds manager settings.
type Config struct {
	MaxProcesses    int           // max concurrently running processes (default: 16)
	OutputBufferMax int           // max bytes of buffered output per process (default: 1MB)
	SessionTTL      time.Duration // drop finished session records after this (default: 30m)
	CleanupInterval time.Duration // how often to run TTL cleanup (default: 1m)
	BreakerFailures uint32        // consecutive spawn failures to open a breaker (default: 3)
	BreakerTimeout  time.Duration // open-state duration (default: 30s)
}

type procEntry struct {
	session domain.ProcessSession
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	stdout  *ringBuffer
	stderr  *ringBuffer
	done    chan struct{}
}

// Manager launches agent processes and reports their buffered output through
// an exit handler when they finish. Spawns go through a per-agent-type
// circuit breaker so a repeatedly failing agent binary surfaces
// ErrAgentUnavailable fast instead of being retried every round.
type Manager struct {
	mu       sync.Mutex
	procs    map[string]*procEntry
	breakers map[string]*gobreaker.CircuitBreaker[string]

	cfg      Config
	onExit   domain.ExitHandler
	bus      domain.EventBus
	logger   *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Manager and starts its TTL cleanup goroutine. onExit is
// invoked from the completion goroutine of each process.
func New(cfg Config, onExit domain.ExitHandler, bus domain.EventBus, logger *slog.Logger) *Manager {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 16
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	m := &Manager{
		procs:    make(map[string]*procEntry),
		breakers: make(map[string]*gobreaker.CircuitBreaker[string]),
		cfg:      cfg,
		onExit:   onExit,
		bus:      bus,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// SetExitHandler installs the completion callback. The engine is constructed
// after the spawner, so wiring happens in a second step; call this before the
// first Spawn.
func (m *Manager) SetExitHandler(h domain.ExitHandler) {
	m.mu.Lock()
	m.onExit = h
	m.mu.Unlock()
}

// Spawn launches one agent process and returns its session id immediately.
// The prompt reaches the process per its agent's prompt syntax: written to
// stdin (then closed) or appended as the trailing argument.
func (m *Manager) Spawn(ctx context.Context, req domain.SpawnRequest) (string, error) {
	breaker := m.breakerFor(req.Agent.ID)
	return breaker.Execute(func() (string, error) {
		id, err := m.spawn(ctx, req)
		if err != nil {
			return "", err
		}
		return id, nil
	})
}

func (m *Manager) spawn(ctx context.Context, req domain.SpawnRequest) (string, error) {
	const op = "procmgr.Spawn"

	m.mu.Lock()
	running := 0
	for _, e := range m.procs {
		if e.session.Status == domain.ProcessStatusRunning {
			running++
		}
	}
	if running >= m.cfg.MaxProcesses {
		m.mu.Unlock()
		return "", domain.NewDomainError(op, domain.ErrLimitReached,
			fmt.Sprintf("%d/%d processes running", running, m.cfg.MaxProcesses))
	}
	m.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = newID()
	}

	args := append([]string{}, req.Args...)
	if req.Agent.PromptSyntax == domain.PromptViaArg {
		args = append(args, req.Prompt)
	}

	// Detached context: the process outlives the routing call that spawned it.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, req.Agent.Command, args...)
	cmd.Dir = req.Cwd
	cmd.Env = buildEnv(sessionID, req.Env, req.ReadOnly)

	stdoutBuf := newRingBuffer(m.cfg.OutputBufferMax)
	stderrBuf := newRingBuffer(m.cfg.OutputBufferMax)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	var stdin io.WriteCloser
	if req.Agent.PromptSyntax != domain.PromptViaArg {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return "", domain.WrapOp(op, err)
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("%s: %s: %w: %w", op, req.Agent.Command, domain.ErrSpawnFailed, err)
	}

	entry := &procEntry{
		session: domain.ProcessSession{
			ID:        sessionID,
			ChatID:    req.ChatID,
			Command:   req.Agent.Command,
			Args:      args,
			WorkDir:   req.Cwd,
			Status:    domain.ProcessStatusRunning,
			StartedAt: time.Now(),
		},
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdoutBuf,
		stderr: stderrBuf,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[sessionID] = entry
	m.mu.Unlock()

	if stdin != nil {
		go func() {
			if _, err := io.WriteString(stdin, req.Prompt); err != nil {
				m.logger.Warn("writing prompt to stdin failed",
					"session_id", sessionID, "error", err)
			}
			stdin.Close()
		}()
	}

	go m.waitForCompletion(entry)

	m.emit(ctx, domain.EventProcessStarted, entry.session)
	m.logger.Info("process started",
		"session_id", sessionID, "chat_id", req.ChatID, "command", req.Agent.Command)
	return sessionID, nil
}

// Write sends data to a running process's stdin.
func (m *Manager) Write(sessionID, input string) error {
	const op = "procmgr.Write"

	m.mu.Lock()
	entry, ok := m.procs[sessionID]
	if !ok {
		m.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrSessionNotFound, sessionID)
	}
	if entry.session.Status != domain.ProcessStatusRunning {
		m.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrInvalidInput, "process is not running")
	}
	stdin := entry.stdin
	m.mu.Unlock()

	if stdin == nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "stdin is closed")
	}
	_, err := io.WriteString(stdin, input)
	return err
}

// Kill terminates a running process. Its exit handler is not invoked.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	const op = "procmgr.Kill"

	m.mu.Lock()
	entry, ok := m.procs[sessionID]
	if !ok {
		m.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrSessionNotFound, sessionID)
	}
	if entry.session.Status != domain.ProcessStatusRunning {
		m.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrInvalidInput, "process is not running")
	}
	// Status flips before cancel so waitForCompletion skips the exit handler.
	entry.session.Status = domain.ProcessStatusKilled
	now := time.Now()
	entry.session.EndedAt = &now
	m.mu.Unlock()

	entry.cancel()
	<-entry.done

	m.emit(ctx, domain.EventProcessKilled, entry.session)
	m.logger.Info("process killed", "session_id", sessionID)
	return nil
}

// Sessions returns a snapshot of all tracked process sessions.
func (m *Manager) Sessions() []domain.ProcessSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProcessSession, 0, len(m.procs))
	for _, e := range m.procs {
		out = append(out, e.session)
	}
	return out
}

// Stop kills all running processes and halts the cleanup goroutine.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	var running []*procEntry
	now := time.Now()
	for _, e := range m.procs {
		if e.session.Status == domain.ProcessStatusRunning {
			e.session.Status = domain.ProcessStatusKilled
			e.session.EndedAt = &now
			running = append(running, e)
		}
	}
	m.mu.Unlock()

	for _, e := range running {
		e.cancel()
		<-e.done
	}
}

// --- internal ---

func (m *Manager) waitForCompletion(entry *procEntry) {
	err := entry.cmd.Wait()
	close(entry.done)

	m.mu.Lock()
	onExit := m.onExit
	// Kill/Stop already settled the status; they own the notification too.
	report := entry.session.Status == domain.ProcessStatusRunning
	if report {
		now := time.Now()
		entry.session.EndedAt = &now
		if err != nil {
			entry.session.Status = domain.ProcessStatusFailed
			if exitErr, ok := err.(*exec.ExitError); ok {
				code := exitErr.ExitCode()
				entry.session.ExitCode = &code
			}
		} else {
			entry.session.Status = domain.ProcessStatusCompleted
			code := 0
			entry.session.ExitCode = &code
		}
	}
	m.mu.Unlock()

	if !report {
		return
	}

	output := entry.stdout.String()
	if err != nil {
		if errOut := entry.stderr.String(); errOut != "" {
			err = fmt.Errorf("%w\nstderr: %s", err, errOut)
		}
		m.emit(context.Background(), domain.EventProcessFailed, entry.session)
	} else {
		m.emit(context.Background(), domain.EventProcessCompleted, entry.session)
	}
	m.logger.Info("process finished",
		"session_id", entry.session.ID, "status", string(entry.session.Status))

	if onExit != nil {
		onExit(context.Background(), entry.session.ID, output, err)
	}
}

func (m *Manager) breakerFor(agentType string) *gobreaker.CircuitBreaker[string] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[agentType]; ok {
		return cb
	}
	failures := m.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "spawn:" + agentType,
		MaxRequests: 1,
		Timeout:     m.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("spawn breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	m.breakers[agentType] = cb
	return cb
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

func (m *Manager) cleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.SessionTTL)
	for id, e := range m.procs {
		if e.session.Status != domain.ProcessStatusRunning &&
			e.session.EndedAt != nil && e.session.EndedAt.Before(cutoff) {
			delete(m.procs, id)
			m.logger.Debug("process session expired", "session_id", id)
		}
	}
}

func (m *Manager) emit(ctx context.Context, eventType domain.EventType, session domain.ProcessSession) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(session)
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		ChatID:    session.ChatID,
		Payload:   payload,
	})
}

func buildEnv(sessionID string, extra map[string]string, readOnly bool) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	env = append(env, SessionIDEnv+"="+sessionID)
	if readOnly {
		env = append(env, ReadOnlyEnv+"=1")
	}
	return env
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

var _ domain.Spawner = (*Manager)(nil)
