package main

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"golang.org/x/term"

	"github.com/dgnsrekt/glow-tts/internal/config"
)

func getLogFilePath(e config.Env) (string, error) {
	if e.LogFile != "" {
		return e.LogFile, nil
	}
	dir, err := gap.NewScope(gap.User, "glow-tts").CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "glow-tts.log"), nil
}

// setupLog sends the global logger to the log file. Playback status owns
// the terminal, so nothing is logged to it.
func setupLog() (func() error, error) {
	log.SetOutput(io.Discard)

	e, err := config.ParseEnv()
	if err != nil {
		return nil, err
	}
	logFile, err := getLogFilePath(e)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	log.SetOutput(f)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.DateTime)
	if !term.IsTerminal(int(f.Fd())) {
		log.SetFormatter(log.LogfmtFormatter)
	}
	if e.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return f.Close, nil
}
