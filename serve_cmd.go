package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/glow-tts/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [SOURCE|DIR]",
	Short: "Control a reader over HTTP",
	Long: paragraph(fmt.Sprintf("\n%s a reader through an HTTP API. Playback state streams to websocket clients on /events; "+
		"metrics are served on /metrics.", keyword("Control"))),
	Example: paragraph("glow-tts serve README.md\ncurl -X POST localhost:7878/play"),
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := log.Default()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		if len(args) > 0 {
			src, err := sourceFromArg(args[0])
			if err != nil {
				return err
			}
			doc, err := loadDocument(src, cfg.IncludeCode)
			_ = src.reader.Close()
			if err != nil {
				return err
			}
			if err := a.orch.LoadDocument(ctx, doc.Tokens, a.Config().Settings, nil); err != nil {
				return err
			}
			logger.Info("Loaded document", "name", doc.Name, "words", doc.Words())
		}

		watchConfig(ctx, a)

		srv := server.New(a.orch,
			server.WithLogger(logger.With("component", "server")),
			server.WithMetrics(a.metrics.Handler()),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", keyword("http://"+cfg.Server.Addr)) //nolint:errcheck
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}
