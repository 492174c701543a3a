package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/glow-tts/internal/config"
	"github.com/dgnsrekt/glow-tts/internal/synth"
)

var (
	workerBackend     string
	workerConcurrency int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve synthesis requests from NATS",
	Long: paragraph(fmt.Sprintf("\n%s synthesis requests published by readers running with worker.kind nats. "+
		"Workers sharing a queue group split the load.", keyword("Serve"))),
	Example: paragraph("glow-tts worker --backend exec --worker-command \"piper --model voice.onnx --json-input --output_raw\""),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		wc := cfg.Worker
		wc.Kind = workerBackend
		if wc.Kind == "" {
			wc.Kind = config.WorkerMock
			if wc.Command != "" {
				wc.Kind = config.WorkerExec
			}
		}
		if wc.Kind == config.WorkerNATS {
			return errors.New("a worker cannot forward to another nats worker: use --backend exec or mock")
		}
		if err := wc.Validate(); err != nil {
			return err
		}

		backend, cleanup, err := newWorker(wc)
		if err != nil {
			return err
		}
		defer cleanup()

		conn, err := synth.Connect(cfg.Worker.NATS.URL, "glow-tts worker", cfg.Worker.Timeout)
		if err != nil {
			return err
		}
		defer conn.Close()

		logger := log.Default().With("backend", wc.Kind)
		r := synth.NewResponder(conn, cfg.Worker.NATS.Subject, cfg.Worker.NATS.Queue, backend, workerConcurrency, logger)
		if err := r.Start(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on %s with the %s backend.\n", //nolint:errcheck
			keyword(cfg.Worker.NATS.Subject), cfg.Worker.NATS.URL, wc.Kind)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		return r.Stop()
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerBackend, "backend", "", "synthesis backend: exec or mock (default exec when a command is configured)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 2, "requests synthesized at once")
}
