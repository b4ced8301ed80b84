package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  price REAL NOT NULL,
  bid REAL NOT NULL,
  ask REAL NOT NULL,
  volume REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(symbol, channel)
);

CREATE TABLE IF NOT EXISTS update_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  channel TEXT NOT NULL,
  source TEXT NOT NULL,
  price REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_key ON update_history(symbol, channel);
CREATE INDEX IF NOT EXISTS idx_history_ts ON update_history(ts_ms);
`)
	return err
}

// SaveLatest upserts the latest row for the key, ignoring older timestamps,
// and appends the update to the history table.
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
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, channel) DO UPDATE SET
		source=excluded.source, price=excluded.price, bid=excluded.bid, ask=excluded.ask,
		volume=excluded.volume, ts_ms=excluded.ts_ms, updated_at=excluded.updated_at
		WHERE excluded.ts_ms >= latest_updates.ts_ms
	`, u.Symbol, string(u.Channel), string(u.Source), u.Quote.Price(), u.Quote.Bid, u.Quote.Ask, u.Quote.Volume, ts, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO update_history(symbol, channel, source, price, ts_ms, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, u.Symbol, string(u.Channel), string(u.Source), u.Quote.Price(), ts, now); err != nil {
		return err
	}
	return tx.Commit()
}

// Latest returns the stored row for key; ok is false when none exists
func (r *Repo) Latest(ctx context.Context, key model.Key) (u model.Update, ok bool, err error) {
	var (
		source string
		ts     int64
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT source, price, bid, ask, volume, ts_ms FROM latest_updates WHERE symbol=? AND channel=?
	`, key.Symbol, string(key.Channel)).Scan(&source, &u.Quote.Last, &u.Quote.Bid, &u.Quote.Ask, &u.Quote.Volume, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Update{}, false, nil
	}
	if err != nil {
		return model.Update{}, false, err
	}

	u.Symbol, u.Channel, u.Source = key.Symbol, key.Channel, model.Source(source)
	u.Timestamp = time.UnixMilli(ts)
	u.Quote.Symbol, u.Quote.Timestamp = key.Symbol, u.Timestamp
	return u, true, nil
}

// HistoryCount returns the number of history rows for key
func (r *Repo) HistoryCount(ctx context.Context, key model.Key) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM update_history WHERE symbol=? AND channel=?`,
		key.Symbol, string(key.Channel)).Scan(&n)
	return n, err
}

// DeleteHistoryBefore removes history rows older than before
func (r *Repo) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM update_history WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ port.UpdateRepository = (*Repo)(nil)
