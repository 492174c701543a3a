// Package main provides the entry point for the glow-tts CLI application.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/glow-tts/internal/config"
	"github.com/dgnsrekt/glow-tts/internal/document"
	"github.com/dgnsrekt/glow-tts/utils"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	readmeNames   = []string{"README.md", "README", "Readme.md", "Readme", "readme.md", "readme"}
	configFile    string
	fromClipboard bool
	startToken    int

	// cfg is the validated configuration, set before any command runs.
	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "glow-tts [SOURCE|DIR]",
		Short: "Read markdown aloud on the CLI, word by word",
		Long: paragraph(
			fmt.Sprintf("\nRead markdown aloud on the CLI, %s!", keyword("following every word")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return nil, cobra.ShellCompDirectiveDefault
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}
)

// source provides a readable markdown source.
type source struct {
	reader io.ReadCloser
	URL    string
}

// sourceFromArg parses an argument and creates a readable source for it.
func sourceFromArg(arg string) (*source, error) {
	// from stdin
	if arg == "-" {
		return &source{reader: os.Stdin}, nil
	}

	// HTTP(S) URLs:
	if u, err := url.ParseRequestURI(arg); err == nil && strings.Contains(arg, "://") {
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("%s is not a supported protocol", u.Scheme)
		}
		// consumer of the source is responsible for closing the ReadCloser.
		resp, err := http.Get(u.String()) //nolint: noctx,bodyclose
		if err != nil {
			return nil, fmt.Errorf("unable to get url: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close() //nolint:errcheck
			return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
		}
		return &source{resp.Body, u.String()}, nil
	}

	// a directory:
	if len(arg) == 0 {
		// use the current working dir if no argument was supplied
		arg = "."
	}
	st, err := os.Stat(arg)
	if err == nil && st.IsDir() {
		var src *source
		_ = filepath.Walk(arg, func(path string, _ os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			for _, v := range readmeNames {
				if strings.EqualFold(filepath.Base(path), v) {
					r, err := os.Open(path)
					if err != nil {
						continue
					}

					u, _ := filepath.Abs(path)
					src = &source{r, u}

					// abort filepath.Walk
					return errors.New("source found")
				}
			}
			return nil
		})

		if src != nil {
			return src, nil
		}

		return nil, errors.New("missing markdown source")
	}

	r, err := os.Open(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %w", err)
	}
	u, err := filepath.Abs(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path: %w", err)
	}
	return &source{r, u}, nil
}

// clipboardSource reads the system clipboard.
func clipboardSource() (*source, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("unable to read clipboard: %w", err)
	}
	return &source{reader: io.NopCloser(strings.NewReader(text)), URL: "clipboard.md"}, nil
}

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var err error
	cfg, err = config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if startToken < 0 {
		return fmt.Errorf("--from must not be negative, got %d", startToken)
	}
	return nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to open file: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

// pickSource selects the input: clipboard, piped stdin, then the argument.
func pickSource(args []string) (*source, error) {
	if fromClipboard {
		return clipboardSource()
	}
	if len(args) == 0 {
		// if stdin is a pipe then use stdin for input. note that you can
		// also explicitly use a - to read from stdin.
		if yes, err := stdinIsPipe(); err != nil {
			return nil, err
		} else if yes {
			return &source{reader: os.Stdin}, nil
		}
		return sourceFromArg("")
	}
	return sourceFromArg(args[0])
}

// loadDocument reads and tokenizes a source. Markdown is reduced to its
// speakable text; anything else is read verbatim.
func loadDocument(src *source, includeCode bool) (*document.Document, error) {
	b, err := io.ReadAll(src.reader)
	if err != nil {
		return nil, fmt.Errorf("unable to read from reader: %w", err)
	}
	b = utils.RemoveFrontmatter(b)

	name := src.URL
	if name == "" {
		name = "stdin"
	}

	var doc *document.Document
	if utils.IsMarkdownFile(src.URL) {
		doc = document.Parse(name, string(b), document.WithCodeBlocks(includeCode))
	} else {
		text := string(b)
		doc = &document.Document{Name: name, Text: text, Tokens: document.Tokenize(text)}
	}
	if doc.Words() == 0 {
		return nil, fmt.Errorf("%s: nothing to read", name)
	}
	return doc, nil
}

func execute(cmd *cobra.Command, args []string) error {
	src, err := pickSource(args)
	if err != nil {
		return err
	}
	defer src.reader.Close() //nolint:errcheck

	doc, err := loadDocument(src, cfg.IncludeCode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log.Default())
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	watchConfig(ctx, a)
	return a.read(ctx, doc, startToken, cmd.OutOrStdout())
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	// A .env next to the document may carry worker settings
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Could not load .env", "error", err)
	}

	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", configFile, "config file")
	flags.StringP("voice", "v", "", "voice name, fuzzy matched against installed voices")
	flags.IntP("speed", "s", 0, "speech speed in words per minute")
	flags.String("strategy", "", "synthesis unit: token or chunk")
	flags.Int("chunk-size", 0, "words per chunk with the chunk strategy")
	flags.Float64P("rate", "r", 0, "playback rate, applied without resynthesis")
	flags.Float64("volume", 0, "output volume between 0 and 1")
	flags.String("worker", "", "synthesis worker: mock, exec or nats")
	flags.String("worker-command", "", "command run per chunk by the exec worker")
	flags.String("cache-backend", "", "audio cache backend: memory, disk or sqlite")
	flags.String("device", "", "audio output: auto, oto or null")
	flags.String("voices-dir", "", "directory holding .onnx voice models")
	flags.Bool("include-code", false, "read code blocks aloud")

	rootCmd.Flags().BoolVarP(&fromClipboard, "clipboard", "c", false, "read the clipboard")
	rootCmd.Flags().IntVar(&startToken, "from", 0, "token index to start reading at")

	// Config bindings
	_ = viper.BindPFlag("settings.voice", flags.Lookup("voice"))
	_ = viper.BindPFlag("settings.speed_wpm", flags.Lookup("speed"))
	_ = viper.BindPFlag("settings.strategy", flags.Lookup("strategy"))
	_ = viper.BindPFlag("settings.chunk_size", flags.Lookup("chunk-size"))
	_ = viper.BindPFlag("playback_rate", flags.Lookup("rate"))
	_ = viper.BindPFlag("volume", flags.Lookup("volume"))
	_ = viper.BindPFlag("worker.kind", flags.Lookup("worker"))
	_ = viper.BindPFlag("worker.command", flags.Lookup("worker-command"))
	_ = viper.BindPFlag("cache.backend", flags.Lookup("cache-backend"))
	_ = viper.BindPFlag("audio.device", flags.Lookup("device"))
	_ = viper.BindPFlag("voices_dir", flags.Lookup("voices-dir"))
	_ = viper.BindPFlag("include_code", flags.Lookup("include-code"))

	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(configCmd, manCmd, cacheCmd, voicesCmd, workerCmd, serveCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "glow-tts")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	e, err := config.ParseEnv()
	if err != nil {
		log.Warn("Could not parse environment", "error", err)
	}
	if e.XDGConfigHome != "" {
		dirs = append([]string{filepath.Join(e.XDGConfigHome, "glow-tts")}, dirs...)
	}
	if e.ConfigHome != "" {
		dirs = append([]string{e.ConfigHome}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("glow-tts")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("glow_tts")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		configFile = used
		return
	}

	configFile = filepath.Join(dirs[0], "glow-tts.yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
