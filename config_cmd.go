package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultConfig = `# Synthesis settings. Changing any of these re-renders the document.
settings:
  # voice name, fuzzy matched against voices_dir
  voice: "en_US-lessac-medium"
  # speaking speed in words per minute (60-600)
  speed_wpm: 180
  # "token" synthesizes word by word, "chunk" groups words
  strategy: "chunk"
  # words per chunk with the chunk strategy
  chunk_size: 12
  pauses:
    break_on_sentence: true
    break_on_paragraph: true

# playback rate (0.25-4), applied without resynthesis
playback_rate: 1.0
# output volume (0-1)
volume: 1.0
# how far ahead of the cursor audio is kept scheduled
buffer_window: "30s"
# parallel synthesis requests
concurrency: 3
# read fenced code blocks aloud
include_code: false
# directory holding .onnx voice models
# voices_dir: "~/.local/share/piper/voices"

cache:
  # memory, disk or sqlite
  backend: "disk"
  # defaults to the user cache directory
  # dir: "~/.cache/glow-tts"
  memory_capacity: 268435456
  store_capacity: 2147483648
  # zstd level for stored audio, 0 disables compression
  compression_level: 3

audio:
  # auto, oto or null
  device: "auto"
  sample_rate: 44100
  channels: 2
  buffer_size: "50ms"

worker:
  # mock, exec or nats
  kind: "mock"
  # exec runs this once per chunk: the request goes to stdin as JSON and
  # audio (WAV, MP3 or raw 16-bit PCM) is read from stdout
  # command: "piper --model en_US-lessac-medium.onnx --json-input --output_raw"
  timeout: "30s"
  # sample rate of raw PCM returned by the worker
  sample_rate: 22050
  # minimum interval between requests, 0 disables limiting
  rate_limit: "0s"
  burst: 1
  nats:
    url: "nats://127.0.0.1:4222"
    subject: "glowtts.synthesize"
    queue: "glow-tts-workers"

server:
  addr: "127.0.0.1:7878"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the glow-tts config file",
	Long:    paragraph(fmt.Sprintf("\n%s the glow-tts config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("glow-tts config\nglow-tts config --config path/to/config.yml\nglow-tts config show"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("glow-tts", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration in effect",
	Long:  paragraph(fmt.Sprintf("\n%s the merged configuration: defaults, the config file, environment and flags.", keyword("Print"))),
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("unable to encode config: %w", err)
		}
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintln(cmd.OutOrStdout(), faint("# "+used)) //nolint:errcheck
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if configFile == "" {
			return errors.New("no configuration file: pass --config")
		}
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
