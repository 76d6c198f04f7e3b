package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/colloquy/pkg/catalog"
	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
	"github.com/go-go-golems/colloquy/pkg/helpers"
	"github.com/go-go-golems/colloquy/pkg/models"
	"github.com/go-go-golems/colloquy/pkg/orchestrator"
	"github.com/go-go-golems/colloquy/pkg/server"
	"github.com/go-go-golems/colloquy/pkg/transport"
)

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured models in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Duration("model-timeout", 60*time.Second, "Time the backend gives a model to answer")
	cmd.Flags().Bool("no-realtime", false, "Only use the HTTP fallback channel")
	_ = viper.BindPFlag("model-timeout", cmd.Flags().Lookup("model-timeout"))
	_ = viper.BindPFlag("no-realtime", cmd.Flags().Lookup("no-realtime"))
	return cmd
}

// backend is the in-process counterpart of the client: a realtime bridge on
// a shared bus and the HTTP fallback on a loopback listener.
type backend struct {
	bus      *gochannel.GoChannel
	router   *events.EventRouter
	bridge   *server.RealtimeBridge
	http     *http.Server
	listener net.Listener
}

func startBackend(responder *server.Responder) (*backend, error) {
	logger := helpers.NewWatermill(log.With().Str("component", "backend").Logger())
	bus := transport.NewInProcessBus(logger)
	router, err := events.NewEventRouter(
		events.WithLogger(logger),
		events.WithPublisher(bus),
		events.WithSubscriber(bus),
	)
	if err != nil {
		return nil, err
	}
	bridge := server.NewRealtimeBridge(responder, bus)
	bridge.Attach(router)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "could not listen for the fallback channel")
	}
	return &backend{
		bus:      bus,
		router:   router,
		bridge:   bridge,
		http:     &http.Server{Handler: server.NewHTTPHandler(responder), ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
	}, nil
}

func (b *backend) baseURL() string {
	return "http://" + b.listener.Addr().String()
}

func (b *backend) run(ctx context.Context, eg *errgroup.Group) {
	eg.Go(func() error {
		return b.router.Run(ctx)
	})
	eg.Go(func() error {
		err := b.http.Serve(b.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.bridge.Close()
		_ = b.http.Shutdown(shutdownCtx)
		return b.router.Close()
	})
}

func runChat(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, providers, err := loadModels()
	if err != nil {
		return err
	}
	session := models.NewSession()
	if !session.Initialize(cfg) {
		return errors.New("invalid model catalog")
	}

	db, st, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	be, err := startBackend(server.NewResponder(providers, viper.GetDuration("model-timeout")))
	if err != nil {
		return err
	}

	uiRouter, err := events.NewEventRouter(
		events.WithLogger(helpers.NewWatermill(log.With().Str("component", "ui").Logger())),
	)
	if err != nil {
		return err
	}
	sink := uiRouter.Sink(events.TopicUI)

	user := viper.GetString("user")
	httpChannel := transport.NewHTTPChannel(be.baseURL())
	var channel transport.Channel = httpChannel
	var realtime *transport.Realtime
	if !viper.GetBool("no-realtime") {
		realtime = transport.NewRealtime(transport.BusDialer(be.bus), user)
		channel = transport.NewFailover(realtime, httpChannel)
	}

	manager := catalog.NewManager(st, catalog.WithEventSink(sink))
	facade := orchestrator.NewFacade(manager, session, channel,
		orchestrator.WithEventSink(sink),
		orchestrator.WithUserID(user),
	)

	renderer := newTerminalRenderer(out, func(m *conversation.Message) string {
		if m.SenderKind == conversation.SenderAssistant {
			if d, ok := session.Lookup(m.SenderID); ok {
				return d.Label()
			}
		}
		return conversation.DefaultDisplayName(m)
	})
	uiRouter.AddEventHandler("renderer", events.TopicUI, renderer.Handle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	be.run(ctx, eg)
	eg.Go(func() error {
		return uiRouter.Run(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		return uiRouter.Close()
	})
	eg.Go(func() error {
		defer cancel()
		<-uiRouter.Running()
		<-be.router.Running()

		if realtime != nil {
			connectCtx, connectCancel := context.WithTimeout(ctx, transport.DefaultConnectTimeout)
			if err := realtime.Connect(connectCtx); err != nil {
				log.Warn().Err(err).Msg("realtime channel unavailable, using HTTP fallback")
			}
			connectCancel()
			defer func() {
				_ = realtime.Close()
			}()
		}

		if err := facade.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("could not restore last conversation")
		}
		if n := len(facade.Snapshot()); n > 0 {
			fmt.Fprintf(out, "Restored conversation %s (%d messages)\n", facade.ConversationID(), n)
		}

		err := newREPL(facade, in, out).run(ctx)

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if cerr := facade.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})

	return eg.Wait()
}

type repl struct {
	facade *orchestrator.Facade
	in     *bufio.Reader
	out    io.Writer
}

func newREPL(facade *orchestrator.Facade, in io.Reader, out io.Writer) *repl {
	return &repl{facade: facade, in: bufio.NewReader(in), out: out}
}

const replHelp = `/new                    start a new conversation
/clear                  clear the current conversation
/save <title>           save the current conversation
/load <id>              load a saved conversation
/list [glazed flags]    list saved conversations (e.g. /list --output json)
/rename <id> <title>    rename a saved conversation
/delete <id>            delete a saved conversation
/export [file]          export the conversation as text
/models                 list models
/model <id>             switch model
/resend <id>            resend one of your messages
/rm <id>                delete a message and its reply
/attach <path> [text]   send a file reference with optional text
/quit                   leave`

func (r *repl) run(ctx context.Context) error {
	if active, err := r.facade.ActiveModel(); err == nil {
		fmt.Fprintf(r.out, "Talking to %s. Type /help for commands.\n", active.Label())
	}
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := r.in.ReadString('\n')
			if line != "" {
				lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case line := <-lines:
			quit, err := r.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %s\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.facade.SendMessage(ctx, line, nil)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/new":
		r.facade.NewConversation(ctx)
	case "/clear":
		return false, r.facade.ClearConversation(ctx)
	case "/save":
		_, err := r.facade.SaveConversation(ctx, rest)
		return false, err
	case "/load":
		return false, r.facade.LoadConversation(ctx, rest)
	case "/list":
		listCmd, err := newListCobraCommand(r.facade.ListConversations)
		if err != nil {
			return false, err
		}
		listCmd.SetArgs(strings.Fields(rest))
		return false, listCmd.ExecuteContext(ctx)
	case "/rename":
		id, title, _ := strings.Cut(rest, " ")
		return false, r.facade.RenameConversation(ctx, id, title)
	case "/delete":
		return false, r.facade.DeleteConversation(ctx, rest)
	case "/export":
		text := r.facade.ExportConversation()
		if rest == "" {
			fmt.Fprintln(r.out, text)
			return false, nil
		}
		if err := os.WriteFile(rest, []byte(text+"\n"), 0o644); err != nil {
			return false, errors.Wrapf(err, "could not write %s", rest)
		}
		fmt.Fprintf(r.out, "exported to %s\n", rest)
	case "/models":
		available, err := r.facade.AvailableModels()
		if err != nil {
			return false, err
		}
		active, _ := r.facade.ActiveModel()
		for _, d := range available {
			marker := " "
			if d.ID == active.ID {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %-20s %s\n", marker, d.ID, d.Label())
		}
	case "/model":
		return false, r.facade.SwitchModel(rest)
	case "/resend":
		id, err := r.resolveMessageID(rest)
		if err != nil {
			return false, err
		}
		return false, r.facade.ResendMessage(ctx, id)
	case "/rm":
		id, err := r.resolveMessageID(rest)
		if err != nil {
			return false, err
		}
		removed, err := r.facade.DeleteMessage(id)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "removed %d message(s)\n", len(removed))
	case "/attach":
		path, text, _ := strings.Cut(rest, " ")
		att, err := attachmentFromFile(path)
		if err != nil {
			return false, err
		}
		return false, r.facade.SendMessage(ctx, text, att)
	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return false, nil
}

// resolveMessageID accepts a full message id or the short form the renderer
// prints.
func (r *repl) resolveMessageID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", conversation.NewValidationError("id", conversation.ErrNotFound)
	}
	for _, m := range r.facade.Snapshot() {
		if m.ID == s || shortID(m.ID) == s {
			return m.ID, nil
		}
	}
	return "", conversation.NewValidationError("id", conversation.ErrNotFound)
}

func attachmentFromFile(path string) (*conversation.Attachment, error) {
	if path == "" {
		return nil, &conversation.ValidationError{Field: "attachment", Reason: "path is required"}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &conversation.Attachment{
		Name:      filepath.Base(path),
		MimeType:  mimeType,
		SizeBytes: fi.Size(),
		URL:       "file://" + abs,
	}, nil
}
