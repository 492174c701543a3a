package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// maxAudioSize bounds the output of a single chunk.
const maxAudioSize = 10 * 1024 * 1024

// ExecWorker runs an external command per chunk. The request is written to
// stdin as JSON and stdout is taken as the audio bytes.
type ExecWorker struct {
	args       []string
	timeout    time.Duration
	sampleRate int
}

// NewExecWorker parses command with shell quoting rules. A zero timeout
// defaults to 10 seconds.
func NewExecWorker(command string, timeout time.Duration, sampleRate int) (*ExecWorker, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("worker command empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecWorker{args: args, timeout: timeout, sampleRate: sampleRate}, nil
}

// Synthesize implements Worker.
func (w *ExecWorker) Synthesize(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, ErrEmptyText
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.args[0], w.args[1:]...)
	// Stdin is fully prepared before start so the child never races the write
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("synthesis timeout after %v: %w", w.timeout, ctx.Err())
		}
		return Result{}, fmt.Errorf("%s failed: %w, stderr: %s", w.args[0], err, strings.TrimSpace(stderr.String()))
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w, stderr: %s", ErrNoAudio, strings.TrimSpace(stderr.String()))
	}
	if len(data) > maxAudioSize {
		return Result{}, fmt.Errorf("worker output too large: %d bytes (max %d)", len(data), maxAudioSize)
	}
	return Result{Data: data, SampleRate: w.sampleRate}, nil
}
