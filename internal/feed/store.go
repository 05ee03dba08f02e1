package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store persists assembled snapshots to Postgres for offline inspection and
// for seeding fallback datasets. Entirely optional; the feed runs without it.
type Store struct {
	db *DB
}

// DB wraps *sql.DB so queries can be written with `?` placeholders and
// rebound to Postgres positional arguments in one place.
type DB struct {
	raw *sql.DB
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS market_snapshots (
			id BIGSERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			mark_price DOUBLE PRECISION NOT NULL,
			hourly_rate DOUBLE PRECISION NOT NULL,
			annualized_rate DOUBLE PRECISION NOT NULL,
			open_interest_usd DOUBLE PRECISION NOT NULL,
			taker_fee_bps BIGINT NOT NULL,
			maker_fee_bps BIGINT NOT NULL,
			min_qty DOUBLE PRECISION NOT NULL,
			depth_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			source TEXT NOT NULL,
			snapshot_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_market_snapshots_symbol_at ON market_snapshots(symbol, snapshot_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate market_snapshots: %w", err)
		}
	}
	return nil
}

// SaveSnapshot writes one row per market record.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	now := time.Now().Unix()
	for _, market := range snap.Markets {
		depthJSON, err := json.Marshal(market.Depth)
		if err != nil {
			return fmt.Errorf("marshal depth for %s: %w", market.Symbol, err)
		}
		metadataJSON, err := json.Marshal(market.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", market.Symbol, err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO market_snapshots (
				symbol, mark_price, hourly_rate, annualized_rate,
				open_interest_usd, taker_fee_bps, maker_fee_bps, min_qty,
				depth_json, metadata_json, source, snapshot_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			market.Symbol, market.MarkPrice, market.HourlyRate, market.AnnualizedRate,
			market.OpenInterestUsd, market.TakerFeeBps, market.MakerFeeBps, market.MinQty,
			string(depthJSON), string(metadataJSON), string(snap.Source),
			snap.LastUpdated.Unix(), now,
		)
		if err != nil {
			return fmt.Errorf("insert snapshot row for %s: %w", market.Symbol, err)
		}
	}
	return nil
}

// LatestSymbols returns the distinct symbols seen since the given time,
// mainly for operational checks.
func (s *Store) LatestSymbols(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT symbol) FROM market_snapshots WHERE snapshot_at >= ?`,
		since.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshot symbols: %w", err)
	}
	return count, nil
}
