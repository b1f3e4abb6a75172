package cmds

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/genhat/pkg/chat"
	"github.com/go-go-golems/genhat/pkg/events"
	"github.com/go-go-golems/genhat/pkg/inference"
	"github.com/go-go-golems/genhat/pkg/models"
	"github.com/go-go-golems/genhat/pkg/snapshot"
)

const chatTopic = "chat-events"

var ChatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive multi-session chat against the local completion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

// consolePrinter renders the chat event stream onto stdout. Deltas arrive
// through the event router rather than straight from the HTTP client, so the
// printer sees exactly what any other subscriber would.
type consolePrinter struct{}

func (p *consolePrinter) HandleStart(ctx context.Context, e *events.EventPartialCompletionStart) error {
	return nil
}

func (p *consolePrinter) HandlePartialCompletion(ctx context.Context, e *events.EventPartialCompletion) error {
	fmt.Print(e.Delta)
	return nil
}

func (p *consolePrinter) HandleFinal(ctx context.Context, e *events.EventFinal) error {
	fmt.Println()
	return nil
}

func (p *consolePrinter) HandleError(ctx context.Context, e *events.EventError) error {
	fmt.Printf("\n! %s\n", e.ErrorString)
	return nil
}

func (p *consolePrinter) HandleInterrupt(ctx context.Context, e *events.EventInterrupt) error {
	fmt.Println()
	return nil
}

func resolveModel() string {
	configured := viper.GetString("model")
	modelsDir := viper.GetString("models-dir")
	if modelsDir == "" {
		if configured != "" {
			return configured
		}
		return models.DefaultModel
	}

	catalog, err := models.List(modelsDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", modelsDir).Msg("could not scan models directory")
		catalog = nil
	}
	return models.ResolveDefault(catalog, configured)
}

func buildClient(sinks ...events.EventSink) *inference.Client {
	options := []inference.ClientOption{
		inference.WithModel(resolveModel()),
		inference.WithEventSinks(sinks...),
	}
	if maxTokens := viper.GetInt("max-tokens"); maxTokens > 0 {
		options = append(options, inference.WithMaxTokens(maxTokens))
	}
	return inference.NewClient(viper.GetString("base-url"), options...)
}

func runChat(ctx context.Context) error {
	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return errors.Wrap(err, "could not create event router")
	}
	defer func() {
		_ = router.Close()
	}()

	router.AddChatHandler("console", chatTopic, &consolePrinter{})
	if viper.GetBool("verbose") {
		router.AddHandler("raw-events-stdout", chatTopic, router.DumpRawEvents)
	}

	sink := inference.NewWatermillSink(router.Publisher, chatTopic)
	client := buildClient(sink)

	registry := chat.NewRegistry()
	registry.CreateSession(chat.ModeConversation)
	dispatcher := chat.NewDispatcher(registry, client)
	attachments := snapshot.NewStore()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return router.Run(egCtx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		return repl(egCtx, registry, dispatcher, attachments)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func repl(ctx context.Context, registry *chat.Registry, dispatcher *chat.Dispatcher, attachments *snapshot.Store) error {
	scanner := bufio.NewScanner(os.Stdin)
	prompt(registry)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case strings.HasPrefix(line, "/"):
			if quit := command(ctx, registry, dispatcher, attachments, line); quit {
				return nil
			}

		default:
			active, ok := registry.ActiveSession()
			if !ok {
				active = registry.CreateSession(chat.ModeConversation)
			}
			if _, err := dispatcher.Send(ctx, active.ID, line); err != nil {
				switch {
				case errors.Is(err, chat.ErrBusy):
					fmt.Println("! a completion is already running")
				default:
					// the error notice is already part of the session
					log.Debug().Err(err).Msg("send failed")
				}
			}
		}

		prompt(registry)
	}
	return scanner.Err()
}

func prompt(registry *chat.Registry) {
	if active, ok := registry.ActiveSession(); ok {
		fmt.Printf("[%s] > ", active.Name)
		return
	}
	fmt.Print("> ")
}

// command handles the /-prefixed REPL commands. Returns true on /quit.
func command(ctx context.Context, registry *chat.Registry, dispatcher *chat.Dispatcher, attachments *snapshot.Store, line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/new":
		mode := chat.ModeConversation
		if arg != "" && chat.Mode(arg).Valid() {
			mode = chat.Mode(arg)
		}
		s := registry.CreateSession(mode)
		fmt.Printf("created %s (%s)\n", s.Name, s.Mode)

	case "/tabs":
		for i, s := range registry.Sessions() {
			marker := " "
			if s.ID == registry.ActiveID() {
				marker = "*"
			}
			fmt.Printf("%s %d. %s (%s, %d messages)\n", marker, i+1, s.Name, s.Mode, len(s.Messages))
		}

	case "/switch":
		if s, ok := sessionByNumber(registry, arg); ok {
			_ = registry.SwitchActive(s.ID)
		} else {
			fmt.Println("! unknown tab")
		}

	case "/close":
		if s, ok := sessionByNumber(registry, arg); ok {
			_ = registry.CloseSession(s.ID)
		} else if active, ok := registry.ActiveSession(); ok && arg == "" {
			_ = registry.CloseSession(active.ID)
		}

	case "/mode":
		if !chat.Mode(arg).Valid() {
			fmt.Printf("! unknown mode %q\n", arg)
			break
		}
		if active, ok := registry.ActiveSession(); ok {
			_ = registry.SwitchMode(active.ID, chat.Mode(arg))
		}

	case "/edit":
		rest := strings.SplitN(line, " ", 3)
		if len(rest) < 3 {
			fmt.Println("usage: /edit <n> <new text>")
			break
		}
		active, ok := registry.ActiveSession()
		if !ok {
			break
		}
		target, ok := userMessageByNumber(active, rest[1])
		if !ok {
			fmt.Println("! no such user message")
			break
		}
		if _, err := dispatcher.EditAndReplay(ctx, active.ID, target.ID, rest[2]); err != nil {
			switch {
			case errors.Is(err, chat.ErrBusy):
				fmt.Println("! a completion is already running")
			case errors.Is(err, chat.ErrMessageNotEditable):
				fmt.Println("! that message cannot be edited")
			default:
				log.Debug().Err(err).Msg("edit failed")
			}
		}

	case "/save":
		if arg == "" {
			fmt.Println("usage: /save <path>")
			break
		}
		doc := snapshot.Export(registry, attachments, nil)
		if err := snapshot.WriteFile(doc, arg); err != nil {
			fmt.Printf("! %s\n", err)
		} else {
			fmt.Printf("saved %d sessions to %s\n", len(doc.Sessions), arg)
		}

	case "/load":
		if arg == "" {
			fmt.Println("usage: /load <path>")
			break
		}
		doc, err := snapshot.LoadFile(arg)
		if err != nil {
			fmt.Printf("! %s\n", err)
			break
		}
		res, err := snapshot.Import(doc)
		if err != nil {
			fmt.Printf("! %s\n", err)
			break
		}
		res.Apply(registry, attachments)
		if res.NeedsRecompute {
			fmt.Println("note: derived caches need to be rebuilt")
		}
		fmt.Printf("loaded %d sessions\n", len(res.Sessions))

	default:
		fmt.Println("commands: /new [mode], /tabs, /switch <n>, /close [n], /mode <mode>, /edit <n> <text>, /save <path>, /load <path>, /quit")
	}
	return false
}

// userMessageByNumber resolves the nth user message (1-based) of a session.
func userMessageByNumber(s *chat.Session, arg string) (*chat.Message, bool) {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err != nil || n < 1 {
		return nil, false
	}
	for _, m := range s.Messages {
		if m.Role != chat.RoleUser {
			continue
		}
		n--
		if n == 0 {
			return m, true
		}
	}
	return nil, false
}

func sessionByNumber(registry *chat.Registry, arg string) (*chat.Session, bool) {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err != nil {
		return nil, false
	}
	sessions := registry.Sessions()
	if n < 1 || n > len(sessions) {
		return nil, false
	}
	return sessions[n-1], true
}
