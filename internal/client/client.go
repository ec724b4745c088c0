package client

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"StreamChat/internal/config"
	"StreamChat/internal/progress"
	"StreamChat/internal/push"
	"StreamChat/internal/telemetry"
	"StreamChat/internal/transcript"
	"StreamChat/internal/turn"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ChatClient wires the streaming engine together: the transcript store,
// the progress estimator, the push channel, and the turn controller,
// plus an interactive terminal loop on top.
type ChatClient struct {
	config     config.Config
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	cleanup    func()
	store      *transcript.Store
	estimator  *progress.Estimator
	pushChan   push.Transport
	controller *turn.Controller
	sessionID  string
	pushDone   chan struct{}
}

// NewChatClient creates a new ChatClient instance
func NewChatClient(cfg config.Config) (*ChatClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := telemetry.InitLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	if cfg.UserID == "" {
		cfg.UserID = uuid.New().String()
	}

	c := &ChatClient{
		config:    cfg,
		logger:    logger,
		tracer:    tracer,
		meter:     meter,
		cleanup:   cleanup,
		store:     transcript.NewStore(),
		estimator: progress.NewEstimator(),
		sessionID: uuid.New().String(),
		pushDone:  make(chan struct{}),
	}

	c.controller = turn.NewController(c.store, c.estimator, cfg.BaseURL, cfg.UserID, logger, tracer, meter)

	switch cfg.PushTransport {
	case config.PushWebSocket:
		c.pushChan, err = push.NewWebSocketChannel(cfg.PushURL, c.sessionID, logger)
	default:
		c.pushChan, err = push.NewSSEChannel(cfg.BaseURL, c.sessionID, logger)
	}
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open push channel: %w", err)
	}

	c.store.Append(transcript.NewNotice("Hi! How can I help you today?"))

	go c.dispatchPush()

	logger.Info("created chat client",
		"session_id", c.sessionID, "user_id", cfg.UserID, "push", c.pushChan.Name())
	return c, nil
}

// Store exposes the transcript for rendering.
func (c *ChatClient) Store() *transcript.Store {
	return c.store
}

// dispatchPush is the single consumer of the push-channel event
// sequence. All push-driven state mutation happens here.
func (c *ChatClient) dispatchPush() {
	defer close(c.pushDone)

	for evt := range c.pushChan.Events() {
		switch evt.Kind {
		case push.KindOpen:
			c.controller.SetClientID(evt.ClientID)
			c.logger.Info("push channel open", "client_id", evt.ClientID)
		case push.KindProgress:
			c.estimator.SetExact(evt.Fraction)
		case push.KindNotice:
			c.store.Append(transcript.NewNotice(evt.NoticeText()))
			c.logger.Info("push notice", "level", evt.Level)
		}
	}
}

// Close releases the push channel and telemetry resources.
func (c *ChatClient) Close() error {
	err := c.pushChan.Close()
	<-c.pushDone
	c.cleanup()
	return err
}

// Run starts the interactive chat loop
func (c *ChatClient) Run() error {
	fmt.Println("=== StreamChat ===")
	fmt.Printf("Session: %s\n", c.sessionID)
	fmt.Printf("Backend: %s (push: %s)\n", c.config.BaseURL, c.pushChan.Name())
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := c.handleCommand(input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				c.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		c.sendAndPrint(input)
	}

	fmt.Println("Goodbye!")
	return nil
}

// sendAndPrint runs one turn to completion. Ctrl+C while the reply is
// streaming cancels the turn instead of killing the process.
func (c *ChatClient) sendAndPrint(input string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c.controller.StartTurn(context.Background(), input)

	t := c.collectTurn(ctx)
	if t == nil {
		return
	}

	msg, ok := c.store.Get(t.TargetID())
	if !ok {
		return
	}
	c.printReply(msg)
}

// collectTurn waits for the in-flight turn, canceling it if ctx is
// interrupted first. The interrupt can race the turn's own completion;
// Cancel is a no-op then and the turn is already terminal, so the
// follow-up wait returns it either way.
func (c *ChatClient) collectTurn(ctx context.Context) *turn.Turn {
	t, err := c.controller.Wait(ctx)
	if err == nil {
		return t
	}

	if cancelErr := c.controller.Cancel(); cancelErr != nil {
		c.logger.Debug("turn finished before cancel", "error", cancelErr)
	}
	t, _ = c.controller.Wait(context.Background())
	return t
}

func (c *ChatClient) printReply(msg transcript.Message) {
	if msg.Channels == nil || (msg.Channels.Final == "" && msg.Channels.Stream == "") {
		fmt.Printf("Bot: %s\n\n", msg.Content)
		return
	}

	answer := msg.Channels.Final
	if strings.TrimSpace(answer) == "" {
		answer = "…"
	}
	fmt.Printf("Bot: %s\n", answer)

	if msg.Channels.Stream != "" {
		lines := strings.Count(msg.Channels.Stream, "\n") + 1
		if msg.LogCollapsed {
			fmt.Printf("  [run log collapsed: %d lines]\n", lines)
		} else {
			fmt.Println("  Run log:")
			for _, line := range strings.Split(strings.TrimRight(msg.Channels.Stream, "\n"), "\n") {
				fmt.Printf("  | %s\n", line)
			}
		}
	}
	fmt.Println()
}

// handleCommand handles special commands
func (c *ChatClient) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/cancel":
		if err := c.controller.Cancel(); err != nil {
			fmt.Println("Nothing to cancel.")
		} else {
			fmt.Println("Canceled.")
		}
		return false, nil

	case "/transcript":
		for i, msg := range c.store.All() {
			marker := "bot"
			if msg.Role == transcript.RoleUser {
				marker = "you"
			}
			fmt.Printf("%2d [%s] %s\n", i, marker, msg.Content)
		}
		fmt.Println()
		return false, nil

	case "/log":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /log <message-index>")
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			return false, fmt.Errorf("invalid message index: %s", parts[1])
		}
		all := c.store.All()
		if idx < 0 || idx >= len(all) {
			return false, fmt.Errorf("no message at index %d", idx)
		}
		target := all[idx]
		if target.Channels == nil {
			return false, fmt.Errorf("message %d has no run log", idx)
		}
		c.store.UpdateByID(target.ID, func(m transcript.Message) transcript.Message {
			m.LogCollapsed = !m.LogCollapsed
			return m
		})
		c.printReply(mustGet(c.store, target.ID))
		return false, nil

	case "/progress":
		if v, ok := c.estimator.Value(); ok {
			fmt.Printf("Progress: %d%%\n", v)
		} else {
			fmt.Println("Idle.")
		}
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /quit, /exit   - Exit the chat client")
		fmt.Println("  /cancel        - Cancel the in-flight reply")
		fmt.Println("  /transcript    - Print the full transcript")
		fmt.Println("  /log <n>       - Toggle the run log of message n")
		fmt.Println("  /progress      - Show the current progress value")
		fmt.Println("  /help          - Show this help message")
		return false, nil

	default:
		return false, nil
	}
}

func mustGet(s *transcript.Store, id string) transcript.Message {
	msg, _ := s.Get(id)
	return msg
}
