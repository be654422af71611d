// Package cache persists the last reconciled session snapshot in a local
// SQLite file. The cache is advisory: a restarted agent reports last-known
// state from here while the first poll is in flight, and the next successful
// reconciliation overwrites whatever it holds.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/protomem/shift-agent/assets"
	"github.com/protomem/shift-agent/internal/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"
)

const (
	_defaultTimeout = 3 * time.Second
	_driverName     = "sqlite"
)

type Cache struct {
	Logger *slog.Logger
	*sqlx.DB
	Builder squirrel.StatementBuilderType
}

func New(logger *slog.Logger, dsn string, automigrate bool) (*Cache, error) {
	ctx, cancel := context.WithTimeout(context.Background(), _defaultTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, _driverName, dsn)
	if err != nil {
		return nil, err
	}

	// SQLite tolerates a single writer.
	db.SetMaxOpenConns(1)

	if automigrate {
		iofsDriver, err := iofs.New(assets.EmbeddedFiles, "migrations")
		if err != nil {
			return nil, err
		}

		migrator, err := migrate.NewWithSourceInstance("iofs", iofsDriver, "sqlite://"+dsn)
		if err != nil {
			return nil, err
		}

		err = migrator.Up()
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			break
		case err != nil:
			return nil, err
		}
	}

	return &Cache{
		Logger:  logger.With("module", "cache"),
		DB:      db,
		Builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// SaveSession upserts the snapshot for the session's worker.
func (c *Cache) SaveSession(ctx context.Context, session *model.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}

	query, args, err := c.Builder.
		Insert("session_snapshots").
		Columns("worker_id", "payload", "updated_at").
		Values(session.WorkerID, string(payload), time.Now().UTC()).
		Suffix("ON CONFLICT(worker_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}

	c.Logger.Debug("query", "sql", query, "args", args)

	_, err = c.ExecContext(ctx, query, args...)
	return err
}

// LoadSession returns the last snapshot stored for the worker, or a
// model.ErrNotFound wrap when none exists.
func (c *Cache) LoadSession(ctx context.Context, workerID model.ID) (*model.Session, error) {
	query, args, err := c.Builder.
		Select("payload").
		From("session_snapshots").
		Where(squirrel.Eq{"worker_id": workerID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	c.Logger.Debug("query", "sql", query, "args", args)

	var payload string
	row := c.QueryRowxContext(ctx, query, args...)
	if err := row.Scan(&payload); err != nil {
		if IsNoRows(err) {
			return nil, model.NewError("snapshot", model.ErrNotFound)
		}

		return nil, err
	}

	var session model.Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, err
	}

	return &session, nil
}

// DeleteSession drops the worker's snapshot. Deleting an absent snapshot is
// not an error.
func (c *Cache) DeleteSession(ctx context.Context, workerID model.ID) error {
	query, args, err := c.Builder.
		Delete("session_snapshots").
		Where(squirrel.Eq{"worker_id": workerID}).
		ToSql()
	if err != nil {
		return err
	}

	c.Logger.Debug("query", "sql", query, "args", args)

	_, err = c.ExecContext(ctx, query, args...)
	return err
}
