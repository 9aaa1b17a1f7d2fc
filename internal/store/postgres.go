package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func ensureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, name := range allTables {
		q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, data jsonb NOT NULL);`, name)
		if _, err := db.Exec(ctx, q); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS tasks_user_phase_idx ON tasks ((data->>'userId'), (data#>>'{status,phase}'));`,
		`CREATE INDEX IF NOT EXISTS webhooks_user_event_idx ON webhooks ((data->>'userId'), (data->>'event'));`,
		`CREATE INDEX IF NOT EXISTS webhook_responses_webhook_idx ON webhook_responses ((data->>'webhookId'));`,
		`CREATE INDEX IF NOT EXISTS streams_session_idx ON streams ((data->>'sessionId'));`,
		`CREATE INDEX IF NOT EXISTS assets_source_session_idx ON assets ((data#>>'{source,sessionId}'));`,
	}
	for _, q := range indexes {
		if _, err := db.Exec(ctx, q); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

type pgTable[T Document] struct {
	db   *pgxpool.Pool
	name string
}

func newPGTable[T Document](db *pgxpool.Pool, name string) *pgTable[T] {
	return &pgTable[T]{db: db, name: name}
}

func (t *pgTable[T]) Get(ctx context.Context, id string) (*T, error) {
	q := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1;`, t.name)

	var raw []byte
	err := t.db.QueryRow(ctx, q, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", t.name, id, err)
	}
	return &doc, nil
}

func (t *pgTable[T]) Create(ctx context.Context, doc *T) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2::jsonb);`, t.name)
	_, err = t.db.Exec(ctx, q, (*doc).DocID(), raw)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (t *pgTable[T]) Update(ctx context.Context, id string, patch any, conds ...Cond) (int64, error) {
	raw, err := encodePatch(patch)
	if err != nil {
		return 0, err
	}

	where, args := buildWhere(conds, 3)
	q := fmt.Sprintf(`UPDATE %s SET data = data || $2::jsonb WHERE id = $1%s;`, t.name, where)

	tag, err := t.db.Exec(ctx, q, append([]any{id, raw}, args...)...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTable[T]) Find(ctx context.Context, fq Query) ([]T, error) {
	where, args := buildWhere(fq.Where, 1)
	order := ""
	if fq.Newest {
		order = ` ORDER BY (data->>'createdAt')::bigint DESC NULLS LAST`
	}
	q := fmt.Sprintf(`SELECT data FROM %s WHERE TRUE%s%s LIMIT %d;`, t.name, where, order, fq.limit())

	rows, err := t.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", t.name, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *pgTable[T]) Count(ctx context.Context, conds ...Cond) (int64, error) {
	where, args := buildWhere(conds, 1)
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE TRUE%s;`, t.name, where)

	var n int64
	if err := t.db.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// buildWhere renders conds as " AND ..." clauses with placeholders numbered
// from first.
func buildWhere(conds []Cond, first int) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, 2*len(conds))
	n := first
	for _, c := range conds {
		op := "= ANY"
		if c.Negate {
			op = "<> ALL"
		}
		fmt.Fprintf(&sb, ` AND COALESCE(data #>> $%d::text[], '') %s($%d::text[])`, n, op, n+1)
		args = append(args, strings.Split(c.Path, "."), c.Values)
		n += 2
	}
	return sb.String(), args
}

func encodePatch(patch any) ([]byte, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return nil, ErrBadPatch
	}
	return raw, nil
}
