package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"huddle/internal/adapter/catalog"
	"huddle/internal/adapter/procmgr"
	"huddle/internal/adapter/store"
	"huddle/internal/domain"
	"huddle/internal/infra/config"
	"huddle/internal/infra/logger"
	"huddle/internal/usecase"
	"huddle/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "./huddle.yaml", "config file path")
	chatID := flag.String("chat", "default", "chat id to open or create")
	chatName := flag.String("name", "group chat", "chat name when creating")
	moderator := flag.String("moderator", "", "moderator agent type when creating (defaults to the first configured agent)")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.Agents) == 0 {
		return errors.New("no agents configured; add an agents section to the config")
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	// 2. Logger
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Storage
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	// 5. Agent catalog and session directory
	defs := make([]catalog.AgentDef, len(cfg.Agents))
	for i, a := range cfg.Agents {
		defs[i] = catalog.AgentDef{
			ID:             a.ID,
			Name:           a.Name,
			Command:        a.Command,
			BaseArgs:       a.BaseArgs,
			SupportsResume: a.SupportsResume,
			ResumeArgs:     a.ResumeArgs,
			PromptSyntax:   domain.PromptSyntax(a.PromptSyntax),
		}
	}
	agents := catalog.New(defs, log)
	sessions := catalog.NewSessionFile(cfg.Storage.SessionFile)

	// 6. Core engine
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	rounds := usecase.NewCoordinator(bus, log)
	roster := usecase.NewRoster(db, sessions, agents, bus, home, log)
	prompts := usecase.NewPromptBuilder(db, agents, cfg.Engine.TokenBudget, log)

	manager := procmgr.New(procmgr.Config{
		MaxProcesses:    cfg.Process.MaxProcesses,
		OutputBufferMax: cfg.Process.OutputBufferMax,
		SessionTTL:      config.ParseDuration(cfg.Process.SessionTTL, 0),
		CleanupInterval: config.ParseDuration(cfg.Process.CleanupInterval, 0),
		BreakerFailures: cfg.Process.BreakerFailures,
		BreakerTimeout:  config.ParseDuration(cfg.Process.BreakerTimeout, 0),
	}, nil, bus, log)
	defer manager.Stop(context.Background())

	engine := usecase.NewEngine(db, db, agents, manager, bus, rounds, roster, prompts,
		usecase.EngineConfig{RespawnPerMinute: cfg.Engine.RespawnPerMinute}, log)
	manager.SetExitHandler(engine.HandleProcessExit)

	// 7. Chat
	if err := openChat(ctx, db, *chatID, *chatName, *moderator, cfg.Agents[0].ID); err != nil {
		return err
	}

	unsubscribe := printEvents(bus, *chatID)
	defer unsubscribe()

	log.Info("huddle ready", "chat_id", *chatID)
	return repl(ctx, engine, *chatID)
}

// openChat loads the chat, creating it on first use.
func openChat(ctx context.Context, db *store.Store, chatID, name, moderator, fallback string) error {
	_, err := db.LoadChat(ctx, chatID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrChatNotFound) {
		return fmt.Errorf("load chat: %w", err)
	}
	if moderator == "" {
		moderator = fallback
	}
	return db.CreateChat(ctx, &domain.GroupChat{
		ID: chatID, Name: name, ModeratorType: moderator,
	})
}

// printEvents mirrors the chat's message and state events to stdout.
func printEvents(bus *eventbus.Bus, chatID string) func() {
	unsubMsg := bus.Subscribe(domain.EventChatMessage, func(_ context.Context, ev domain.Event) {
		if ev.ChatID != chatID {
			return
		}
		var p domain.MessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		fmt.Printf("[%s] %s\n", p.From, p.Content)
	})
	unsubState := bus.Subscribe(domain.EventChatState, func(_ context.Context, ev domain.Event) {
		if ev.ChatID != chatID {
			return
		}
		var p domain.StatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		fmt.Printf("-- %s --\n", p.Phase)
	})
	return func() {
		unsubMsg()
		unsubState()
	}
}

// repl feeds operator input into the engine until EOF or a signal.
// Lines starting with "/ro " run as read-only rounds.
func repl(ctx context.Context, engine *usecase.Engine, chatID string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "/quit" {
				return nil
			}
			readOnly := false
			if rest, found := strings.CutPrefix(text, "/ro "); found {
				readOnly = true
				text = strings.TrimSpace(rest)
			}
			if err := engine.RouteUserMessage(ctx, chatID, text, readOnly); err != nil {
				if errors.Is(err, domain.ErrChatBusy) {
					fmt.Println("(busy: a round is still running)")
					continue
				}
				fmt.Fprintf(os.Stderr, "route: %v\n", err)
			}
		}
	}
}
