package synth

import (
	"context"
	"errors"
	"fmt"
)

// Common synthesis errors
var (
	// ErrCanceled indicates a plan synthesis was canceled before it finished
	ErrCanceled = errors.New("synthesis canceled")

	// ErrHashMismatch indicates a worker answered for a different chunk
	ErrHashMismatch = errors.New("response hash does not match request")

	// ErrEmptyText indicates there is nothing to speak
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrNoAudio indicates the worker produced no audio
	ErrNoAudio = errors.New("worker produced no audio")
)

// ErrorCode identifies specific failure types
type ErrorCode string

const (
	ErrorCodeWorkerFailure ErrorCode = "WORKER_FAILURE"
	ErrorCodeWorkerTimeout ErrorCode = "WORKER_TIMEOUT"
	ErrorCodeAudioFormat   ErrorCode = "AUDIO_FORMAT"
	ErrorCodeCacheWrite    ErrorCode = "CACHE_WRITE"
	ErrorCodeInvalidInput  ErrorCode = "INVALID_INPUT"
)

// ChunkError is the failure of one chunk. It never aborts the rest of a plan.
type ChunkError struct {
	Hash string
	Code ErrorCode
	Err  error
}

// Error implements the error interface
func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s: chunk %s: %v", e.Code, e.Hash, e.Err)
}

// Unwrap returns the underlying error
func (e *ChunkError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if a later attempt may succeed
func (e *ChunkError) IsRetryable() bool {
	switch e.Code {
	case ErrorCodeWorkerTimeout, ErrorCodeCacheWrite:
		return true
	default:
		return false
	}
}

// chunkErr classifies a worker error.
func chunkErr(hash string, err error) *ChunkError {
	code := ErrorCodeWorkerFailure
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrorCodeWorkerTimeout
	case errors.Is(err, ErrEmptyText):
		code = ErrorCodeInvalidInput
	}
	return &ChunkError{Hash: hash, Code: code, Err: err}
}
