package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/conduitmcp/conduit/internal/registry"
	"github.com/conduitmcp/conduit/mcp"
)

type nopLogger struct{}

func (nopLogger) WarnContext(context.Context, string, ...any) {}
func (nopLogger) InfoContext(context.Context, string, ...any) {}

func TestSessionSerializesMailboxTasks(t *testing.T) {
	s := newSession("s1", nil, registry.NewCatalogue(), mcp.CapabilitySet{}, nopLogger{}, 0, 0, nil, 0)
	defer s.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		if !s.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}) {
			wg.Done()
			t.Fatalf("submit %d rejected unexpectedly", i)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 50 {
		t.Fatalf("got %d completed tasks, want 50", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks executed out of submission order at index %d: %v", i, order)
		}
	}
}

func TestSessionSubmitBackpressure(t *testing.T) {
	s := newSession("s2", nil, registry.NewCatalogue(), mcp.CapabilitySet{}, nopLogger{}, 0, 0, nil, 0)
	defer s.Close()

	block := make(chan struct{})
	if !s.Submit(func() { <-block }) {
		t.Fatalf("first submit should succeed")
	}

	rejected := false
	for i := 0; i < 300; i++ {
		if !s.Submit(func() {}) {
			rejected = true
			break
		}
	}
	close(block)
	if !rejected {
		t.Fatalf("expected a saturated mailbox to eventually reject a submission")
	}
}

func TestSessionCloseStopsActor(t *testing.T) {
	s := newSession("s3", nil, registry.NewCatalogue(), mcp.CapabilitySet{}, nopLogger{}, 0, 0, nil, 0)
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("got state %v, want closed", s.State())
	}

	select {
	case <-s.done:
	default:
		t.Fatalf("expected done channel to be closed")
	}
}

func TestSessionLastActivityUpdatesOnTouch(t *testing.T) {
	s := newSession("s4", nil, registry.NewCatalogue(), mcp.CapabilitySet{}, nopLogger{}, 0, 0, nil, 0)
	defer s.Close()

	before := s.LastActivity()
	time.Sleep(time.Millisecond)
	s.touch()
	after := s.LastActivity()
	if !after.After(before) {
		t.Fatalf("expected LastActivity to advance after touch")
	}
}
