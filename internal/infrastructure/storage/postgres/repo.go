package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_updates (
  symbol TEXT NOT NULL,
  channel TEXT NOT NULL,
  source TEXT NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  bid DOUBLE PRECISION NOT NULL,
  ask DOUBLE PRECISION NOT NULL,
  volume DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY(symbol, channel)
);

CREATE TABLE IF NOT EXISTS update_history (
  id BIGSERIAL PRIMARY KEY,
  symbol TEXT NOT NULL,
  channel TEXT NOT NULL,
  source TEXT NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_key ON update_history(symbol, channel);
CREATE INDEX IF NOT EXISTS idx_history_ts ON update_history(ts_ms);
`)
	return err
}

func (r *Repo) SaveLatest(ctx context.Context, u model.Update) error {
	now := time.Now().UnixMilli()
	ts := u.Timestamp.UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO latest_updates(symbol, channel, source, price, bid, ask, volume, ts_ms, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(symbol, channel) DO UPDATE SET
		source=EXCLUDED.source, price=EXCLUDED.price, bid=EXCLUDED.bid, ask=EXCLUDED.ask,
		volume=EXCLUDED.volume, ts_ms=EXCLUDED.ts_ms, updated_at=EXCLUDED.updated_at
		WHERE EXCLUDED.ts_ms >= latest_updates.ts_ms
	`, u.Symbol, string(u.Channel), string(u.Source), u.Quote.Price(), u.Quote.Bid, u.Quote.Ask, u.Quote.Volume, ts, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO update_history(symbol, channel, source, price, ts_ms, created_at)
		VALUES($1, $2, $3, $4, $5, $6)
	`, u.Symbol, string(u.Channel), string(u.Source), u.Quote.Price(), ts, now); err != nil {
		return err
	}
	return tx.Commit()
}

var _ port.UpdateRepository = (*Repo)(nil)
