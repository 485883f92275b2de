// Package store provides relational persistence for positions, trading
// cycles, order intents, and strategy evaluations, plus a crash-safe JSON
// checkpoint of in-memory state on top of that.
//
// The query shapes (upsert-on-conflict, pgxpool.Pool, context-scoped
// Exec/Query/QueryRow) are grounded on the pack's Dome connector
// (other_examples/52bcba6d_jbrackens-AttaboyGO__internal-provider-dome.go.go),
// the only example in the corpus backing a prediction-market domain with
// Postgres rather than files. The checkpoint mechanism — write to a .tmp
// file, then os.Rename over the target — is a direct port of the teacher's
// internal/store/store.go, repurposed from the sole persistence layer into
// a crash-recovery snapshot that sits alongside the relational store.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ploy-markets/ploy/internal/config"
	"github.com/ploy-markets/ploy/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed persistence layer.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres and applies the schema (idempotent:
// CREATE TABLE/INDEX IF NOT EXISTS).
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s := &Store{pool: pool, logger: logger.With("component", "store")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// SaveEvent upserts a discovered event's descriptor.
func (s *Store) SaveEvent(ctx context.Context, ev types.EventInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (event_id, series_id, slug, symbol, horizon, up_token_id, down_token_id, price_to_beat, start_time, end_time, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO UPDATE SET
			price_to_beat = EXCLUDED.price_to_beat,
			end_time = EXCLUDED.end_time`,
		ev.EventID, ev.SeriesID, ev.Slug, ev.Symbol, ev.Horizon, ev.UpTokenID, ev.DownTokenID,
		ev.PriceToBeat.Decimal(), ev.StartTime, ev.EndTime, ev.Discovered)
	return err
}

// UpsertPosition writes the coordinator's current view of exposure in one
// token, replacing whatever row was there.
func (s *Store) UpsertPosition(ctx context.Context, pos types.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (token_id, event_id, side, size, avg_entry_px, realized_pnl, unrealized_pnl, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (token_id) DO UPDATE SET
			size = EXCLUDED.size,
			avg_entry_px = EXCLUDED.avg_entry_px,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			updated_at = EXCLUDED.updated_at`,
		pos.TokenID, pos.EventID, int(pos.Side), pos.Size.Decimal(), pos.AvgEntryPx.Decimal(),
		pos.RealizedPnL.Decimal(), pos.UnrealizedPnL.Decimal(), pos.OpenedAt, pos.UpdatedAt)
	return err
}

// ListPositions returns every position with a nonzero size, used by the
// reconciler to compare against the venue's authoritative balances.
func (s *Store) ListPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, event_id, side, size, avg_entry_px, realized_pnl, unrealized_pnl, opened_at, updated_at
		FROM positions WHERE size > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var side int
		var size, avgPx, realized, unrealized stringScanner
		if err := rows.Scan(&p.TokenID, &p.EventID, &side, &size, &avgPx, &realized, &unrealized, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Side = types.Side(side)
		p.Size, _ = types.NewPrice(string(size))
		p.AvgEntryPx, _ = types.NewPrice(string(avgPx))
		p.RealizedPnL, _ = types.NewPrice(string(realized))
		p.UnrealizedPnL, _ = types.NewPrice(string(unrealized))
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateCycle persists a new trading cycle at entry time.
func (s *Store) CreateCycle(ctx context.Context, cycle types.Cycle) error {
	if cycle.ID == "" {
		cycle.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cycles (id, agent_id, event_id, token_id, side, status, entry_price, entry_size, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cycle.ID, cycle.AgentID, cycle.EventID, cycle.TokenID, int(cycle.Side), int(cycle.Status),
		cycle.EntryPrice.Decimal(), cycle.EntrySize.Decimal(), cycle.OpenedAt)
	return err
}

// CloseCycle records the exit price/PnL and marks a cycle resolved.
func (s *Store) CloseCycle(ctx context.Context, cycleID string, exitPrice types.Price, pnl types.Price, closedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cycles SET status = $1, exit_price = $2, pnl = $3, closed_at = $4 WHERE id = $5`,
		int(types.CycleResolved), exitPrice.Decimal(), pnl.Decimal(), closedAt, cycleID)
	return err
}

// MarkRedeemed records a successful on-chain redemption against a cycle.
func (s *Store) MarkRedeemed(ctx context.Context, cycleID, txHash string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cycles SET redeemed = true, redeem_tx_hash = $1 WHERE id = $2`, txHash, cycleID)
	return err
}

// OpenCyclesAwaitingRedemption returns resolved-but-not-redeemed cycles,
// grouped implicitly by event via the caller joining on condition ID.
func (s *Store) OpenCyclesAwaitingRedemption(ctx context.Context) ([]types.Cycle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, event_id, token_id, side, status, entry_price, entry_size,
		       COALESCE(exit_price, 0), COALESCE(pnl, 0), redeemed, COALESCE(redeem_tx_hash, ''), opened_at, COALESCE(closed_at, opened_at)
		FROM cycles WHERE status = $1 AND redeemed = false`, int(types.CycleResolved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (types.Cycle, error) {
	var c types.Cycle
	var side, status int
	var entryPx, entrySize, exitPx, pnl stringScanner
	if err := row.Scan(&c.ID, &c.AgentID, &c.EventID, &c.TokenID, &side, &status,
		&entryPx, &entrySize, &exitPx, &pnl, &c.Redeemed, &c.RedeemTxHash, &c.OpenedAt, &c.ClosedAt); err != nil {
		return types.Cycle{}, err
	}
	c.Side = types.Side(side)
	c.Status = types.CycleStatus(status)
	c.EntryPrice, _ = types.NewPrice(string(entryPx))
	c.EntrySize, _ = types.NewPrice(string(entrySize))
	c.ExitPrice, _ = types.NewPrice(string(exitPx))
	c.PnL, _ = types.NewPrice(string(pnl))
	return c, nil
}

// SaveEvaluation logs one agent decision pass, entered or not, for later
// analysis of why an agent stayed out of a market.
func (s *Store) SaveEvaluation(ctx context.Context, ev types.StrategyEvaluation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO strategy_evaluations (agent_id, event_id, ts, signal, confidence, entered, skip_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.AgentID, ev.EventID, ev.Timestamp, ev.Signal, ev.Confidence, ev.Entered, ev.SkipReason)
	return err
}

// RecordReconciliation logs a single local-vs-venue comparison.
func (s *Store) RecordReconciliation(ctx context.Context, tokenID string, localSize, venueSize types.Size, deltaPct float64, severity string, autoCorrected bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_reports (token_id, local_size, venue_size, delta_pct, severity, auto_corrected)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tokenID, localSize.Decimal(), venueSize.Decimal(), deltaPct, severity, autoCorrected)
	return err
}

// UpsertRedemption tracks a redemption attempt/confirmation for a
// condition ID (a condition may bundle multiple token IDs).
func (s *Store) UpsertRedemption(ctx context.Context, conditionID string, tokenIDs, amounts []string, txHash, status string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO redemptions (condition_id, token_ids, amounts, tx_hash, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (condition_id) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			status = EXCLUDED.status,
			confirmed_at = CASE WHEN EXCLUDED.status = 'confirmed' THEN now() ELSE redemptions.confirmed_at END`,
		conditionID, tokenIDs, amounts, txHash, status)
	return err
}

// PruneStaleEvents deletes event rows older than cutoff that never
// accumulated a position or cycle, keeping the events table from growing
// unbounded with markets nobody ever traded.
func (s *Store) PruneStaleEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events
		WHERE discovered_at < $1
		  AND event_id NOT IN (SELECT event_id FROM positions)
		  AND event_id NOT IN (SELECT event_id FROM cycles)`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// stringScanner lets pgx scan a NUMERIC column into a decimal-preserving
// string rather than a lossy float64, since pgx's default NUMERIC->Go
// mapping needs pgtype.Numeric wiring we don't otherwise need.
type stringScanner string

func (s *stringScanner) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*s = stringScanner(v)
	case []byte:
		*s = stringScanner(v)
	case nil:
		*s = "0"
	default:
		*s = stringScanner(fmt.Sprintf("%v", v))
	}
	return nil
}
