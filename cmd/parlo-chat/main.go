package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/parlo-app/parlo-go/internal/telemetry"
	"github.com/parlo-app/parlo-go/pkg/convo"
	"github.com/parlo-app/parlo-go/pkg/convo/config"
	"github.com/parlo-app/parlo-go/pkg/convo/signedurl"
	"github.com/parlo-app/parlo-go/pkg/convo/transport"
)

type chatOptions struct {
	cfg      config.Config
	userName string
	language string
	level    string
}

func parseChatOptions(args []string) (chatOptions, error) {
	opts := chatOptions{}
	fs := flag.NewFlagSet("parlo-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var brokerURL, agentID string
	fs.StringVar(&brokerURL, "broker-url", "", "signed URL broker base URL (or PARLO_BROKER_BASE_URL)")
	fs.StringVar(&agentID, "agent-id", "", "agent ID for direct API-key auth (or PARLO_AGENT_ID)")
	fs.StringVar(&opts.userName, "user", "", "learner display name")
	fs.StringVar(&opts.language, "language", "", "target language")
	fs.StringVar(&opts.level, "level", "", "language level, e.g. beginner")

	if err := fs.Parse(args); err != nil {
		return chatOptions{}, err
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return chatOptions{}, err
	}
	if strings.TrimSpace(brokerURL) != "" {
		cfg.BrokerBaseURL = strings.TrimSpace(brokerURL)
	}
	if strings.TrimSpace(agentID) != "" {
		cfg.AgentID = strings.TrimSpace(agentID)
	}
	if err := cfg.Validate(); err != nil {
		return chatOptions{}, err
	}
	opts.cfg = cfg
	return opts, nil
}

func (o chatOptions) dynamicVariables() map[string]any {
	vars := map[string]any{}
	if o.userName != "" {
		vars["user_name"] = o.userName
	}
	if o.language != "" {
		vars["target_language"] = o.language
	}
	if o.level != "" {
		vars["language_level"] = o.level
	}
	return vars
}

var (
	promptColor = color.New(color.FgCyan)
	tutorColor  = color.New(color.FgGreen)
	youColor    = color.New(color.FgHiBlue)
	noteColor   = color.New(color.FgHiBlack)
	alertColor  = color.New(color.FgRed)
)

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  /record   start voice input (connects first if needed)")
	fmt.Fprintln(out, "  /stop     stop voice input")
	fmt.Fprintln(out, "  /status   show connection state and audio levels")
	fmt.Fprintln(out, "  /new      end the session and start a fresh one")
	fmt.Fprintln(out, "  /quit     end the session and exit")
	fmt.Fprintln(out, "anything else is sent to the tutor as a text message")
}

func runChat(ctx context.Context, opts chatOptions, logger *slog.Logger, mgr *convo.Manager, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "parlo tutoring chat. Type /help for commands.")

	scanner := bufio.NewScanner(in)
	for {
		promptColor.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			mgr.EndConversation()
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			mgr.EndConversation()
			fmt.Fprintln(out, "bye")
			return nil
		case "/help":
			printHelp(out)
			continue
		case "/record":
			if mgr.StartRecording() {
				noteColor.Fprintln(out, "recording on")
			}
			continue
		case "/stop":
			mgr.StopRecording()
			noteColor.Fprintln(out, "recording off")
			continue
		case "/new":
			mgr.EndConversation()
			if mgr.StartConversation() {
				noteColor.Fprintln(out, "new session starting")
			}
			continue
		case "/status":
			lv := mgr.Levels()
			fmt.Fprintf(out, "state=%s session=%s recording=%v speaking=%v thinking=%v in=%.2f out=%.2f\n",
				mgr.State(), mgr.SessionID(), mgr.IsRecording(), mgr.IsSpeaking(), mgr.IsThinking(),
				lv.Input, lv.Output)
			continue
		}

		if mgr.State() != convo.StateConnected {
			if !mgr.StartConversation() {
				continue
			}
			// Give the dial a moment before the first send.
			waitForState(mgr, convo.StateConnected, opts.cfg.ConnectTimeout)
		}

		sentAt := time.Now()
		ok := mgr.SendMessage(line, func(string) {
			noteColor.Fprintf(out, " (%.1fs)\n", time.Since(sentAt).Seconds())
		})
		if !ok {
			alertColor.Fprintln(out, "message not sent")
		}
	}
}

func waitForState(mgr *convo.Manager, want convo.State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s := mgr.State()
		if s == want {
			return true
		}
		if s == convo.StateError || s == convo.StateDisconnected {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func runMain(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(errOut, "parlo-chat: load .env: %v\n", err)
		return 1
	}

	opts, err := parseChatOptions(args)
	if err != nil {
		fmt.Fprintf(errOut, "parlo-chat: %v\n", err)
		return 1
	}

	logger, err := telemetry.InitLogger("parlo-chat", slog.LevelInfo)
	if err != nil {
		fmt.Fprintf(errOut, "parlo-chat: init logging: %v\n", err)
		return 1
	}

	tracer, meter, cleanup, err := telemetry.Init(ctx, "parlo-chat", "1.0.0")
	if err != nil {
		fmt.Fprintf(errOut, "parlo-chat: init telemetry: %v\n", err)
		return 1
	}
	defer cleanup()

	cfg := opts.cfg
	mgr, err := convo.NewManager(convo.Options{
		Fetcher:          signedurl.NewClient(cfg.BrokerBaseURL, nil),
		APIKey:           cfg.APIKey,
		AgentID:          cfg.AgentID,
		DynamicVariables: opts.dynamicVariables,
		Dialer: &transport.WSDialer{
			BaseURL: cfg.ServiceWSBaseURL,
			Logger:  logger,
		},
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ConnectTimeout:       cfg.ConnectTimeout,
		ResponseTimeout:      cfg.ResponseTimeout,
		SamplerInterval:      cfg.SamplerInterval,
		Logger:               logger,
		Meter:                meter,
		Tracer:               tracer,
		OnMessage: func(msg convo.Message) {
			switch msg.Role {
			case convo.RoleAssistant:
				tutorColor.Fprintf(out, "tutor> %s\n", msg.Text)
			case convo.RoleUser:
				if msg.Status == convo.StatusFailed {
					alertColor.Fprintf(out, "you> %s (failed)\n", msg.Text)
				} else {
					youColor.Fprintf(out, "you> %s\n", msg.Text)
				}
			}
		},
		OnStateChange: func(s convo.State) {
			logger.Info("state changed", "state", s)
		},
		Notify: func(message string) {
			alertColor.Fprintln(errOut, message)
		},
	})
	if err != nil {
		fmt.Fprintf(errOut, "parlo-chat: %v\n", err)
		return 1
	}

	if err := runChat(ctx, opts, logger, mgr, in, out); err != nil {
		fmt.Fprintf(errOut, "parlo-chat: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
