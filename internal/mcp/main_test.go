package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nugget/slo-agent/internal/mcp/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.Main()
	os.Exit(m.Run())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePipe is an in-memory LineIO. Reads pop queued replies in order and
// fall back to readErr (io.EOF when unset) once the queue is empty.
type fakePipe struct {
	mu       sync.Mutex
	written  []string
	replies  []string
	readErr  error
	writeErr error
	reads    int
	timeouts []time.Duration
}

func (f *fakePipe) WriteLine(line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, string(line))
	return nil
}

func (f *fakePipe) ReadLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.timeouts = append(f.timeouts, timeout)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.replies) == 0 {
		if f.readErr != nil {
			return nil, f.readErr
		}
		return nil, io.EOF
	}
	line := f.replies[0]
	f.replies = f.replies[1:]
	return []byte(line), nil
}

func (f *fakePipe) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// serverConfig points a client at a fake server with short bounds.
func serverConfig(srv mcptest.Server) Config {
	return Config{
		Name:             "fake",
		Server:           ServerSpec{ExecutablePath: srv.Path, Arguments: srv.Args},
		Env:              srv.Env,
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		TerminateGrace:   time.Second,
		Logger:           discardLogger(),
	}
}

// waitExited fails the test if p has not been reaped within d.
func waitExited(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %d still running after %s", p.Pid(), d)
	}
}
