package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the request subject served by `glow-tts worker`.
const DefaultSubject = "glowtts.synthesize"

// natsResponse is the reply payload. Audio is base64 encoded by JSON.
type natsResponse struct {
	Hash       string        `json:"hash"`
	Audio      []byte        `json:"audio,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Connect opens a NATS connection for a worker or responder.
func Connect(url, name string, timeout time.Duration) (*nats.Conn, error) {
	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
	}
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// NATSWorker sends synthesis requests to a remote responder.
type NATSWorker struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSWorker creates a worker publishing on subject.
func NewNATSWorker(conn *nats.Conn, subject string, timeout time.Duration) *NATSWorker {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATSWorker{conn: conn, subject: subject, timeout: timeout}
}

// Synthesize implements Worker. The reply must carry the request hash.
func (w *NATSWorker) Synthesize(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	msg, err := w.conn.RequestWithContext(ctx, w.subject, payload)
	if err != nil {
		return Result{}, fmt.Errorf("nats request: %w", err)
	}

	var resp natsResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Result{}, fmt.Errorf("decode nats response: %w", err)
	}
	if resp.Hash != req.Hash {
		return Result{}, fmt.Errorf("%w: sent %s, got %s", ErrHashMismatch, req.Hash, resp.Hash)
	}
	if resp.Error != "" {
		return Result{}, errors.New(resp.Error)
	}
	if len(resp.Audio) == 0 {
		return Result{}, ErrNoAudio
	}
	return Result{Data: resp.Audio, Duration: resp.Duration, SampleRate: resp.SampleRate}, nil
}

// Responder serves synthesis requests from NATS with a local worker.
// Responders sharing a queue group split the load.
type Responder struct {
	conn    *nats.Conn
	subject string
	queue   string
	worker  Worker
	timeout time.Duration
	logger  *log.Logger

	sem chan struct{}
	wg  sync.WaitGroup
	sub *nats.Subscription
}

// NewResponder creates a responder handling up to concurrency requests at once.
func NewResponder(conn *nats.Conn, subject, queue string, w Worker, concurrency int, logger *log.Logger) *Responder {
	if subject == "" {
		subject = DefaultSubject
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Responder{
		conn:    conn,
		subject: subject,
		queue:   queue,
		worker:  w,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "responder"),
		sem:     make(chan struct{}, concurrency),
	}
}

// Start subscribes to the request subject.
func (r *Responder) Start() error {
	sub, err := r.conn.QueueSubscribe(r.subject, r.queue, r.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	r.logger.Info("Serving synthesis requests", "subject", r.subject, "queue", r.queue)
	return nil
}

func (r *Responder) dispatch(msg *nats.Msg) {
	r.sem <- struct{}{}
	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.sem
			r.wg.Done()
		}()
		r.handle(msg)
	}()
}

func (r *Responder) handle(msg *nats.Msg) {
	var req Request
	var resp natsResponse

	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %v", err)
	} else {
		resp.Hash = req.Hash
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		res, err := r.worker.Synthesize(ctx, req)
		cancel()
		if err != nil {
			r.logger.Warn("Synthesis failed", "hash", req.Hash, "error", err)
			resp.Error = err.Error()
		} else {
			resp.Audio = res.Data
			resp.Duration = res.Duration
			resp.SampleRate = res.SampleRate
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("Failed to encode response", "hash", req.Hash, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("Failed to respond", "hash", req.Hash, "error", err)
	}
}

// Stop drains the subscription and waits for in-flight requests.
func (r *Responder) Stop() error {
	var err error
	if r.sub != nil {
		err = r.sub.Drain()
		// Drain is asynchronous; pending callbacks still dispatch until it completes
		deadline := time.Now().Add(5 * time.Second)
		for r.sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	r.wg.Wait()
	return err
}
