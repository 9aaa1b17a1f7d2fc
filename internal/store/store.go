package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tableTasks            = "tasks"
	tableAssets           = "assets"
	tableSessions         = "sessions"
	tableStreams          = "streams"
	tableWebhooks         = "webhooks"
	tableWebhookResponses = "webhook_responses"
	tableUsers            = "users"
)

var allTables = []string{
	tableTasks, tableAssets, tableSessions, tableStreams, tableWebhooks, tableWebhookResponses, tableUsers,
}

// Store groups one Table per entity kind.
type Store struct {
	Tasks            Table[Task]
	Assets           Table[Asset]
	Sessions         Table[Session]
	Streams          Table[Stream]
	Webhooks         Table[Webhook]
	WebhookResponses Table[WebhookResponse]
	Users            Table[User]

	db *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	// sensible defaults
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		Tasks:            newPGTable[Task](pool, tableTasks),
		Assets:           newPGTable[Asset](pool, tableAssets),
		Sessions:         newPGTable[Session](pool, tableSessions),
		Streams:          newPGTable[Stream](pool, tableStreams),
		Webhooks:         newPGTable[Webhook](pool, tableWebhooks),
		WebhookResponses: newPGTable[WebhookResponse](pool, tableWebhookResponses),
		Users:            newPGTable[User](pool, tableUsers),
		db:               pool,
	}, nil
}

// NewMemory returns a Store backed by process memory. Used by tests and
// STORE_DRIVER=memory local runs.
func NewMemory() *Store {
	return &Store{
		Tasks:            NewMemTable[Task](),
		Assets:           NewMemTable[Asset](),
		Sessions:         NewMemTable[Session](),
		Streams:          NewMemTable[Stream](),
		Webhooks:         NewMemTable[Webhook](),
		WebhookResponses: NewMemTable[WebhookResponse](),
		Users:            NewMemTable[User](),
	}
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
