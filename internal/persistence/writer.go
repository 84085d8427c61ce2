package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"PerpRisk/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StateWriter mirrors snapshot contents into the risk schema, the tables the
// StateLoader reads. Every write replaces the stored row wholesale.
type StateWriter struct {
	db *sql.DB
}

func NewStateWriter(db *sql.DB) *StateWriter {
	return &StateWriter{db: db}
}

// WriteSnapshot upserts every entity of snap and removes accounts the
// snapshot no longer holds, in one transaction.
func (w *StateWriter) WriteSnapshot(ctx context.Context, snap *state.Snapshot) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range snap.PerpMarkets {
		if err := upsertPerpMarket(ctx, tx, m, snap.Slot); err != nil {
			return err
		}
	}
	for _, m := range snap.SpotMarkets {
		if err := upsertSpotMarket(ctx, tx, m, snap.Slot); err != nil {
			return err
		}
	}
	for _, o := range snap.Oracles {
		if err := upsertOracle(ctx, tx, o); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(snap.Users))
	for id, u := range snap.Users {
		if err := upsertUser(ctx, tx, u, snap.Slot); err != nil {
			return err
		}
		ids = append(ids, id.String())
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM risk.users WHERE NOT (user_id::text = ANY($1))`, pq.Array(ids),
	); err != nil {
		return fmt.Errorf("prune users: %w", err)
	}

	return tx.Commit()
}

// WriteUser upserts one account and its child rows.
func (w *StateWriter) WriteUser(ctx context.Context, u *state.UserAccount, slot uint64) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertUser(ctx, tx, u, slot); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteUser removes an account; child rows cascade.
func (w *StateWriter) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	_, err := w.db.ExecContext(ctx, `DELETE FROM risk.users WHERE user_id = $1`, userID)
	return err
}

func upsertPerpMarket(ctx context.Context, tx *sql.Tx, m *state.PerpMarket, slot uint64) error {
	tiers := make([]marginTierRow, len(m.MarginTiers))
	for i, t := range m.MarginTiers {
		tiers[i] = marginTierRow(t)
	}
	tiersJSON, err := json.Marshal(tiers)
	if err != nil {
		return fmt.Errorf("marshal margin tiers: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk.perp_markets
			(market_index, name, status, oracle_index,
			 base_asset_reserve, quote_asset_reserve, peg_multiplier,
			 base_asset_amount_with_amm, cumulative_funding_rate_long,
			 cumulative_funding_rate_short, total_fee_minus_distributions,
			 margin_tiers, taker_fee_numerator, taker_fee_denominator, slot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (market_index) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			oracle_index = EXCLUDED.oracle_index,
			base_asset_reserve = EXCLUDED.base_asset_reserve,
			quote_asset_reserve = EXCLUDED.quote_asset_reserve,
			peg_multiplier = EXCLUDED.peg_multiplier,
			base_asset_amount_with_amm = EXCLUDED.base_asset_amount_with_amm,
			cumulative_funding_rate_long = EXCLUDED.cumulative_funding_rate_long,
			cumulative_funding_rate_short = EXCLUDED.cumulative_funding_rate_short,
			total_fee_minus_distributions = EXCLUDED.total_fee_minus_distributions,
			margin_tiers = EXCLUDED.margin_tiers,
			taker_fee_numerator = EXCLUDED.taker_fee_numerator,
			taker_fee_denominator = EXCLUDED.taker_fee_denominator,
			slot = EXCLUDED.slot,
			updated_at = NOW()
	`,
		int64(m.Index), m.Name, m.Status.String(), int64(m.OracleIndex),
		m.AMM.BaseAssetReserve, m.AMM.QuoteAssetReserve, m.AMM.PegMultiplier,
		m.AMM.BaseAssetAmountWithAmm, m.AMM.CumulativeFundingRateLong,
		m.AMM.CumulativeFundingRateShort, m.AMM.TotalFeeMinusDistributions,
		string(tiersJSON), m.TakerFeeNumerator, m.TakerFeeDenominator, int64(slot),
	)
	if err != nil {
		return fmt.Errorf("upsert perp market %d: %w", m.Index, err)
	}
	return nil
}

func upsertSpotMarket(ctx context.Context, tx *sql.Tx, m *state.SpotMarket, slot uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO risk.spot_markets
			(market_index, name, decimals, oracle_index,
			 cumulative_deposit_interest, cumulative_borrow_interest,
			 deposit_balance, borrow_balance,
			 optimal_utilization, optimal_borrow_rate, max_borrow_rate,
			 last_updated, slot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (market_index) DO UPDATE SET
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			oracle_index = EXCLUDED.oracle_index,
			cumulative_deposit_interest = EXCLUDED.cumulative_deposit_interest,
			cumulative_borrow_interest = EXCLUDED.cumulative_borrow_interest,
			deposit_balance = EXCLUDED.deposit_balance,
			borrow_balance = EXCLUDED.borrow_balance,
			optimal_utilization = EXCLUDED.optimal_utilization,
			optimal_borrow_rate = EXCLUDED.optimal_borrow_rate,
			max_borrow_rate = EXCLUDED.max_borrow_rate,
			last_updated = EXCLUDED.last_updated,
			slot = EXCLUDED.slot,
			updated_at = NOW()
	`,
		int64(m.Index), m.Name, m.Decimals, int64(m.OracleIndex),
		m.CumulativeDepositInterest, m.CumulativeBorrowInterest,
		m.DepositBalance, m.BorrowBalance,
		m.OptimalUtilization, m.OptimalBorrowRate, m.MaxBorrowRate,
		m.LastUpdated, int64(slot),
	)
	if err != nil {
		return fmt.Errorf("upsert spot market %d: %w", m.Index, err)
	}
	return nil
}

// upsertOracle never moves a stored price backwards.
func upsertOracle(ctx context.Context, tx *sql.Tx, o state.OracleData) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO risk.oracles (oracle_index, price, confidence, timestamp, slot, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (oracle_index) DO UPDATE SET
			price = EXCLUDED.price,
			confidence = EXCLUDED.confidence,
			timestamp = EXCLUDED.timestamp,
			slot = EXCLUDED.slot,
			source = EXCLUDED.source,
			updated_at = NOW()
		WHERE risk.oracles.slot <= EXCLUDED.slot
	`, int64(o.Index), o.Price, o.Confidence, o.Timestamp, int64(o.Slot), o.Source.String())
	if err != nil {
		return fmt.Errorf("upsert oracle %d: %w", o.Index, err)
	}
	return nil
}

func upsertUser(ctx context.Context, tx *sql.Tx, u *state.UserAccount, slot uint64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk.users (user_id, slot, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET slot = EXCLUDED.slot, updated_at = NOW()
	`, u.UserID, int64(slot)); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.UserID, err)
	}

	for _, table := range []string{"risk.positions", "risk.open_orders", "risk.spot_balances"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = $1", u.UserID); err != nil {
			return fmt.Errorf("clear %s for %s: %w", table, u.UserID, err)
		}
	}

	if len(u.Positions) > 0 {
		rows := make([][]any, len(u.Positions))
		for i, p := range u.Positions {
			rows[i] = []any{u.UserID, int64(p.MarketIndex), p.BaseAssetAmount, p.QuoteAssetAmount, p.LastCumulativeFundingRate}
		}
		if err := insertRows(ctx, tx, "risk.positions",
			"user_id, market_index, base_asset_amount, quote_asset_amount, last_cumulative_funding_rate", rows); err != nil {
			return err
		}
	}

	if len(u.Orders) > 0 {
		rows := make([][]any, len(u.Orders))
		for i, o := range u.Orders {
			rows[i] = []any{o.OrderID, u.UserID, int64(o.MarketIndex), o.Side.String(), o.BaseAssetAmountRemaining}
		}
		if err := insertRows(ctx, tx, "risk.open_orders",
			"order_id, user_id, market_index, side, base_asset_amount_remaining", rows); err != nil {
			return err
		}
	}

	if len(u.SpotBalances) > 0 {
		rows := make([][]any, len(u.SpotBalances))
		for i, b := range u.SpotBalances {
			rows[i] = []any{u.UserID, int64(b.MarketIndex), b.Balance}
		}
		if err := insertRows(ctx, tx, "risk.spot_balances", "user_id, market_index, balance", rows); err != nil {
			return err
		}
	}
	return nil
}

// insertRows writes rows with one multi-row INSERT.
func insertRows(ctx context.Context, tx *sql.Tx, table, columns string, rows [][]any) error {
	width := len(rows[0])
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*width)

	for i, row := range rows {
		placeholders := make([]string, width)
		for j := range row {
			placeholders[j] = fmt.Sprintf("$%d", i*width+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, row...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, columns, strings.Join(values, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}
