package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ledgerline/ledgerline/internal/bus"
	"github.com/ledgerline/ledgerline/internal/eventlog"
)

const headerOrigin = "Ledgerline-Origin"

type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	Origin        string
}

// Bridge carries commit notifications between nodes over core NATS subjects
// of the form <prefix>.commits.<tenant>.<scope>.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	origin string
	logger *slog.Logger
	sub    *nats.Subscription
}

func Connect(cfg Config, logger *slog.Logger) (*Bridge, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "ledgerline"
	}
	origin := cfg.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	}, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bridge{conn: conn, prefix: prefix, origin: origin, logger: logger}, nil
}

func (b *Bridge) Origin() string {
	return b.origin
}

func (b *Bridge) PublishCommit(_ context.Context, batch eventlog.CommitBatch) error {
	data, err := bus.EncodeCommit(b.origin, batch)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: Subject(b.prefix, batch.Scope),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(headerOrigin, b.origin)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish commit: %w", err)
	}
	return nil
}

// Listen forwards commits published by other nodes to handler until Close.
func (b *Bridge) Listen(handler bus.CommitHandler) error {
	if b.sub != nil {
		return fmt.Errorf("bridge is already listening")
	}
	sub, err := b.conn.Subscribe(b.prefix+".commits.>", func(msg *nats.Msg) {
		if msg.Header.Get(headerOrigin) == b.origin {
			return
		}
		envelope, err := bus.DecodeCommit(msg.Data)
		if err != nil {
			b.logger.Warn("dropping commit notification", slog.String("subject", msg.Subject), slog.Any("error", err))
			return
		}
		handler.OnCommit(envelope.Batch)
	})
	if err != nil {
		return fmt.Errorf("subscribe commits: %w", err)
	}
	b.sub = sub
	return b.conn.Flush()
}

func (b *Bridge) HealthCheck(_ context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats connection status %s", b.conn.Status())
	}
	return nil
}

func (b *Bridge) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	return b.conn.Drain()
}

// Subject returns the commit subject for scope. Characters NATS treats as
// separators or wildcards are replaced.
func Subject(prefix string, scope eventlog.ScopeKey) string {
	return prefix + ".commits." + subjectToken(string(scope.Tenant)) + "." + subjectToken(string(scope.Scope))
}

func subjectToken(value string) string {
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, value)
}

var _ bus.CommitPublisher = (*Bridge)(nil)
