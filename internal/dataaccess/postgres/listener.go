package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatsql/chatsql/internal/observability"
)

const DefaultInvalidationChannel = "chatsql_schema_invalidate"

type Invalidator interface {
	Invalidate(connectionID string)
}

// Listener subscribes to a NOTIFY channel and invalidates the cached schema
// of the connection named in each payload. An empty payload targets
// DefaultConnectionID.
type Listener struct {
	DSN                 string
	Channel             string
	DefaultConnectionID string
	Target              Invalidator
	Logger              *slog.Logger
	RetryInterval       time.Duration
}

func (l *Listener) ensureDefaults() {
	if l.Channel == "" {
		l.Channel = DefaultInvalidationChannel
	}
	if l.RetryInterval <= 0 {
		l.RetryInterval = 5 * time.Second
	}
	l.Logger = observability.LoggerOrDiscard(l.Logger)
}

// Run listens until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context) error {
	l.ensureDefaults()
	if l.Target == nil {
		return fmt.Errorf("invalidation target is required")
	}

	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.Logger.WarnContext(ctx, "schema invalidation listener disconnected",
			slog.String("channel", l.Channel),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.RetryInterval):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.DSN)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %q: %w", l.Channel, err)
	}
	l.Logger.InfoContext(ctx, "listening for schema invalidations", slog.String("channel", l.Channel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handle(ctx, notification.Payload)
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	connectionID := strings.TrimSpace(payload)
	if connectionID == "" {
		connectionID = l.DefaultConnectionID
	}
	l.Target.Invalidate(connectionID)
	observability.IncSchemaInvalidation("notify")
	l.Logger.InfoContext(ctx, "schema invalidated by notification", slog.String("connection_id", connectionID))
}
