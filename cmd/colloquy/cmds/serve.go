package cmds

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/colloquy/pkg/server"
	"github.com/go-go-golems/colloquy/pkg/wire"
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the POST /messages fallback endpoint backed by the configured models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "Listen address")
	cmd.Flags().Duration("model-timeout", 60*time.Second, "Time a model gets to answer")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("serve-model-timeout", cmd.Flags().Lookup("model-timeout"))
	return cmd
}

func runServe(ctx context.Context) error {
	_, providers, err := loadModels()
	if err != nil {
		return err
	}
	responder := server.NewResponder(providers, viper.GetDuration("serve-model-timeout"))

	ln, err := net.Listen("tcp", viper.GetString("addr"))
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", viper.GetString("addr"))
	}
	srv := &http.Server{Handler: server.NewHTTPHandler(responder), ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("addr", ln.Addr().String()).Str("path", wire.MessagesPath).Msg("serving")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
