package synth

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/dgnsrekt/glow-tts/internal/audio"
)

func TestMockWorker(t *testing.T) {
	w := NewMockWorker()

	res, err := w.Synthesize(context.Background(), Request{Hash: "h", Text: "one two three", SpeedWPM: 180})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if audio.Sniff(res.Data) != audio.FormatWAV {
		t.Errorf("format = %s, want wav", audio.Sniff(res.Data))
	}
	pcm, err := audio.Decode(res.Data, audio.DefaultHint())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if pcm.Duration() != time.Second {
		t.Errorf("duration = %v, want 1s", pcm.Duration())
	}

	if _, err := w.Synthesize(context.Background(), Request{Text: "  ", SpeedWPM: 180}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("blank text err = %v, want ErrEmptyText", err)
	}
}

func TestSpeakable(t *testing.T) {
	if got := speakable("  Hello,\n\n  world \t again "); got != "Hello, world again" {
		t.Errorf("speakable = %q", got)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecWorker(t *testing.T) {
	requireShell(t)

	t.Run("stdin is the request", func(t *testing.T) {
		w, err := NewExecWorker("sh -c 'cat'", time.Second, 22050)
		if err != nil {
			t.Fatalf("NewExecWorker failed: %v", err)
		}
		req := Request{Hash: "abc", Text: "hello there", VoiceID: "v", SpeedWPM: 200}
		res, err := w.Synthesize(context.Background(), req)
		if err != nil {
			t.Fatalf("Synthesize failed: %v", err)
		}
		var echoed Request
		if err := json.Unmarshal(res.Data, &echoed); err != nil {
			t.Fatalf("stdout is not the request: %v", err)
		}
		if echoed != req {
			t.Errorf("echoed %+v, want %+v", echoed, req)
		}
		if res.SampleRate != 22050 {
			t.Errorf("sample rate = %d", res.SampleRate)
		}
	})

	t.Run("no output", func(t *testing.T) {
		w, _ := NewExecWorker("sh -c 'cat >/dev/null'", time.Second, 0)
		_, err := w.Synthesize(context.Background(), Request{Hash: "a", Text: "hi"})
		if !errors.Is(err, ErrNoAudio) {
			t.Errorf("err = %v, want ErrNoAudio", err)
		}
	})

	t.Run("failure includes stderr", func(t *testing.T) {
		w, _ := NewExecWorker(`sh -c "echo boom >&2; exit 3"`, time.Second, 0)
		_, err := w.Synthesize(context.Background(), Request{Hash: "a", Text: "hi"})
		if err == nil || !strings.Contains(err.Error(), "boom") {
			t.Errorf("err = %v, want stderr in message", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		w, _ := NewExecWorker("sleep 5", 50*time.Millisecond, 0)
		start := time.Now()
		_, err := w.Synthesize(context.Background(), Request{Hash: "a", Text: "hi"})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("timeout did not stop the command")
		}
	})
}

func TestNewExecWorker_Invalid(t *testing.T) {
	for _, cmd := range []string{"", "   ", `piper "unterminated`} {
		if _, err := NewExecWorker(cmd, 0, 0); err == nil {
			t.Errorf("NewExecWorker(%q) should fail", cmd)
		}
	}
}

func TestRateLimited(t *testing.T) {
	w := NewRateLimited(NewMockWorker(), 40*time.Millisecond, 1)
	req := Request{Hash: "h", Text: "word", SpeedWPM: 600}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := w.Synthesize(context.Background(), req); err != nil {
			t.Fatalf("Synthesize failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("3 calls took %v, limiter not applied", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Synthesize(ctx, req); err == nil {
		t.Error("canceled wait should fail")
	}
}

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	conn, err := Connect(ns.ClientURL(), "glow-tts-test", 2*time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSWorker_RoundTrip(t *testing.T) {
	conn := runNATS(t)

	responder := NewResponder(conn, "", "workers", NewMockWorker(), 2, nil)
	if err := responder.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer responder.Stop()

	w := NewNATSWorker(conn, "", 2*time.Second)
	res, err := w.Synthesize(context.Background(), Request{Hash: "abc", Text: "one two three", VoiceID: "v", SpeedWPM: 180})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if res.Duration != time.Second || res.SampleRate != 22050 {
		t.Errorf("result duration=%v rate=%d", res.Duration, res.SampleRate)
	}
	if _, err := audio.Decode(res.Data, audio.DefaultHint()); err != nil {
		t.Errorf("remote audio does not decode: %v", err)
	}

	// Engine errors travel back to the caller
	_, err = w.Synthesize(context.Background(), Request{Hash: "bad", Text: "one", SpeedWPM: 0})
	if err == nil || !strings.Contains(err.Error(), "speed must be positive") {
		t.Errorf("err = %v, want remote engine error", err)
	}
}

func TestNATSWorker_HashMismatch(t *testing.T) {
	conn := runNATS(t)

	sub, err := conn.Subscribe("liar", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"hash":"someone-else","audio":"AAAA"}`))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	w := NewNATSWorker(conn, "liar", time.Second)
	_, err = w.Synthesize(context.Background(), Request{Hash: "mine", Text: "hello", SpeedWPM: 180})
	if !errors.Is(err, ErrHashMismatch) {
		t.Errorf("err = %v, want ErrHashMismatch", err)
	}
}

func TestNATSWorker_NoResponder(t *testing.T) {
	conn := runNATS(t)

	w := NewNATSWorker(conn, "nobody.home", 200*time.Millisecond)
	if _, err := w.Synthesize(context.Background(), Request{Hash: "h", Text: "hi"}); err == nil {
		t.Error("request without responders should fail")
	}
}
