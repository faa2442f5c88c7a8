// Package stdio implements the C5 STDIO transport: newline-delimited
// JSON-RPC frames over two pipes, the shape used when conduit runs as (or
// drives) a subprocess instead of listening on HTTP.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/conduitmcp/conduit/internal/log"
	"github.com/conduitmcp/conduit/mcp"
)

// sessionID is the implicit, singular session identity of a STDIO
// transport: there is exactly one peer on the other end of the pipes.
const sessionID = "stdio"

// Transport reads newline-delimited JSON frames from in and writes
// newline-delimited frames to out. Reads happen on a dedicated goroutine so
// a blocked Read can still be abandoned when ctx is cancelled, mirroring the
// goroutine+channel cancellable-read pattern used for subprocess pipes.
type Transport struct {
	in     io.Reader
	out    io.Writer
	logger log.Logger

	mu     sync.Mutex
	closed bool
	sink   mcp.Sink

	lines chan string
	errs  chan error
}

// New builds a STDIO transport over the given pipes. Start must be called
// to begin the read loop.
func New(in io.Reader, out io.Writer, logger log.Logger) *Transport {
	return &Transport{
		in:     in,
		out:    out,
		logger: logger,
		lines:  make(chan string),
		errs:   make(chan error, 1),
	}
}

// SetSink implements mcp.Transport.
func (t *Transport) SetSink(sink mcp.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Start launches the background reader and begins delivering decoded frames
// to the sink until ctx is cancelled or the input pipe is closed.
func (t *Transport) Start(ctx context.Context) {
	go t.readLines()
	go t.pump(ctx)
}

func (t *Transport) readLines() {
	defer close(t.lines)
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		select {
		case t.errs <- err:
		default:
		}
	}
}

func (t *Transport) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			t.deliverLine(line)
		}
	}
}

func (t *Transport) deliverLine(line string) {
	msgs, err := mcp.Decode([]byte(line))
	if err != nil {
		if t.logger != nil {
			t.logger.WarnContext(context.Background(), "stdio: failed to decode frame", "error", err)
		}
		return
	}
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink == nil {
		return
	}
	for _, m := range msgs {
		sink.Deliver(mcp.Inbound{SessionID: sessionID, Message: m})
	}
}

// Send implements mcp.Transport. sessionID is ignored: a STDIO transport
// has exactly one peer.
func (t *Transport) Send(ctx context.Context, _ string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return mcp.ErrTransportClosed
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.out.Write(append(data, '\n'))
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("stdio: send cancelled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

// Shutdown implements mcp.Transport. Idempotent.
func (t *Transport) Shutdown(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if closer, ok := t.out.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var _ mcp.Transport = (*Transport)(nil)
