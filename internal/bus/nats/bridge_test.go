package nats

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"

	"github.com/ledgerline/ledgerline/internal/bus"
	"github.com/ledgerline/ledgerline/internal/eventlog"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func connectBridge(t *testing.T, url string) *Bridge {
	t.Helper()
	bridge, err := Connect(Config{URL: url, SubjectPrefix: "test"}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close() })
	return bridge
}

type collector struct {
	mu      sync.Mutex
	batches []eventlog.CommitBatch
	got     chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 16)}
}

func (c *collector) OnCommit(batch eventlog.CommitBatch) {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func commitBatch(tenant eventlog.TenantID) eventlog.CommitBatch {
	return eventlog.CommitBatch{
		Scope:      eventlog.ScopeKey{Tenant: tenant, Scope: eventlog.DefaultScope},
		FromOffset: 0,
		ToOffset:   0,
		Events: []eventlog.CommittedEvent{
			{Sequence: 0, Tenant: tenant, Scope: eventlog.DefaultScope, EventType: "created", Content: json.RawMessage(`{}`)},
		},
	}
}

func TestBridgeDeliversCommitsToOtherNodes(t *testing.T) {
	server := runTestNATSServer(t)
	publisher := connectBridge(t, server.ClientURL())
	listener := connectBridge(t, server.ClientURL())

	fromOthers := newCollector()
	fromSelf := newCollector()
	if err := listener.Listen(fromOthers); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := publisher.Listen(fromSelf); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	if err := publisher.PublishCommit(context.Background(), commitBatch("tenant.one")); err != nil {
		t.Fatalf("PublishCommit() error = %v", err)
	}
	select {
	case <-fromOthers.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commit")
	}
	fromOthers.mu.Lock()
	batch := fromOthers.batches[0]
	fromOthers.mu.Unlock()
	if batch.Scope.Tenant != "tenant.one" || len(batch.Events) != 1 {
		t.Fatalf("batch = %+v", batch)
	}

	// A flush round trip guarantees the publisher's own copy would have arrived.
	if err := publisher.conn.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if fromSelf.count() != 0 {
		t.Fatalf("publisher received its own commit")
	}
	if err := listener.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}

func TestBridgeRejectsInvalidBatch(t *testing.T) {
	server := runTestNATSServer(t)
	bridge := connectBridge(t, server.ClientURL())
	if err := bridge.PublishCommit(context.Background(), eventlog.CommitBatch{}); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestListenTwiceFails(t *testing.T) {
	server := runTestNATSServer(t)
	bridge := connectBridge(t, server.ClientURL())
	if err := bridge.Listen(bus.CommitHandlerFunc(func(eventlog.CommitBatch) {})); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := bridge.Listen(bus.CommitHandlerFunc(func(eventlog.CommitBatch) {})); err == nil {
		t.Fatal("expected second Listen() to fail")
	}
}

func TestSubjectEscapesReservedCharacters(t *testing.T) {
	got := Subject("ledgerline", eventlog.ScopeKey{Tenant: "a.b", Scope: "x*>"})
	if got != "ledgerline.commits.a_b.x__" {
		t.Fatalf("Subject() = %q", got)
	}
}
