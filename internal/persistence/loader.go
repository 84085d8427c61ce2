package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

// StateLoader reads the risk schema into a snapshot for the polling
// refresher.
type StateLoader struct {
	db *sql.DB
}

func NewStateLoader(db *sql.DB) *StateLoader {
	return &StateLoader{db: db}
}

// marginTierRow is the JSONB shape of one margin tier.
type marginTierRow struct {
	SizeBreakpoint int64 `json:"size_breakpoint"`
	Initial        int64 `json:"initial"`
	Maintenance    int64 `json:"maintenance"`
}

// LoadSnapshot reads every table inside one repeatable-read transaction, so
// the snapshot is consistent even while writers are active. The rows go
// through the same validation as pushed updates.
func (l *StateLoader) LoadSnapshot(ctx context.Context) (*state.Snapshot, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin load tx: %w", err)
	}
	defer tx.Rollback()

	var loaded []func(*state.Mutation) error
	steps := []func(context.Context, *sql.Tx) ([]func(*state.Mutation) error, error){
		loadPerpMarkets,
		loadSpotMarkets,
		loadOracles,
		loadUsers,
	}
	for _, step := range steps {
		fns, err := step(ctx, tx)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, fns...)
	}

	return state.BuildSnapshot(func(m *state.Mutation) error {
		for _, apply := range loaded {
			if err := apply(m); err != nil {
				return err
			}
		}
		return nil
	})
}

func loadPerpMarkets(ctx context.Context, tx *sql.Tx) ([]func(*state.Mutation) error, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT market_index, name, status, oracle_index,
		       base_asset_reserve, quote_asset_reserve, peg_multiplier,
		       base_asset_amount_with_amm, cumulative_funding_rate_long,
		       cumulative_funding_rate_short, total_fee_minus_distributions,
		       margin_tiers, taker_fee_numerator, taker_fee_denominator, slot
		FROM risk.perp_markets
		ORDER BY market_index
	`)
	if err != nil {
		return nil, fmt.Errorf("query perp markets: %w", err)
	}
	defer rows.Close()

	var out []func(*state.Mutation) error
	for rows.Next() {
		var (
			m         state.PerpMarket
			status    string
			tiersJSON []byte
			slot      uint64
		)
		if err := rows.Scan(
			&m.Index, &m.Name, &status, &m.OracleIndex,
			&m.AMM.BaseAssetReserve, &m.AMM.QuoteAssetReserve, &m.AMM.PegMultiplier,
			&m.AMM.BaseAssetAmountWithAmm, &m.AMM.CumulativeFundingRateLong,
			&m.AMM.CumulativeFundingRateShort, &m.AMM.TotalFeeMinusDistributions,
			&tiersJSON, &m.TakerFeeNumerator, &m.TakerFeeDenominator, &slot,
		); err != nil {
			return nil, fmt.Errorf("scan perp market: %w", err)
		}

		if m.Status, err = state.ParseMarketStatus(status); err != nil {
			return nil, fmt.Errorf("perp market %d: %w", m.Index, err)
		}
		var tiers []marginTierRow
		if err := json.Unmarshal(tiersJSON, &tiers); err != nil {
			return nil, fmt.Errorf("perp market %d margin tiers: %w", m.Index, err)
		}
		for _, t := range tiers {
			m.MarginTiers = append(m.MarginTiers, state.MarginTier(t))
		}

		market := m
		out = append(out, func(mut *state.Mutation) error {
			if err := mut.SetPerpMarket(&market); err != nil {
				return err
			}
			mut.SetSlot(slot)
			return nil
		})
	}
	return out, rows.Err()
}

func loadSpotMarkets(ctx context.Context, tx *sql.Tx) ([]func(*state.Mutation) error, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT market_index, name, decimals, oracle_index,
		       cumulative_deposit_interest, cumulative_borrow_interest,
		       deposit_balance, borrow_balance,
		       optimal_utilization, optimal_borrow_rate, max_borrow_rate,
		       last_updated, slot
		FROM risk.spot_markets
		ORDER BY market_index
	`)
	if err != nil {
		return nil, fmt.Errorf("query spot markets: %w", err)
	}
	defer rows.Close()

	var out []func(*state.Mutation) error
	for rows.Next() {
		var (
			m    state.SpotMarket
			slot uint64
		)
		if err := rows.Scan(
			&m.Index, &m.Name, &m.Decimals, &m.OracleIndex,
			&m.CumulativeDepositInterest, &m.CumulativeBorrowInterest,
			&m.DepositBalance, &m.BorrowBalance,
			&m.OptimalUtilization, &m.OptimalBorrowRate, &m.MaxBorrowRate,
			&m.LastUpdated, &slot,
		); err != nil {
			return nil, fmt.Errorf("scan spot market: %w", err)
		}

		market := m
		out = append(out, func(mut *state.Mutation) error {
			if err := mut.SetSpotMarket(&market); err != nil {
				return err
			}
			mut.SetSlot(slot)
			return nil
		})
	}
	return out, rows.Err()
}

func loadOracles(ctx context.Context, tx *sql.Tx) ([]func(*state.Mutation) error, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT oracle_index, price, confidence, timestamp, slot, source
		FROM risk.oracles
		ORDER BY oracle_index
	`)
	if err != nil {
		return nil, fmt.Errorf("query oracles: %w", err)
	}
	defer rows.Close()

	var out []func(*state.Mutation) error
	for rows.Next() {
		var (
			o      state.OracleData
			source string
		)
		if err := rows.Scan(&o.Index, &o.Price, &o.Confidence, &o.Timestamp, &o.Slot, &source); err != nil {
			return nil, fmt.Errorf("scan oracle: %w", err)
		}
		if o.Source, err = state.ParseOracleSource(source); err != nil {
			return nil, fmt.Errorf("oracle %d: %w", o.Index, err)
		}

		oracle := o
		out = append(out, func(mut *state.Mutation) error { return mut.SetOracle(oracle) })
	}
	return out, rows.Err()
}

// loadUsers reads accounts and their child rows with one query per table,
// then stitches them together by user id.
func loadUsers(ctx context.Context, tx *sql.Tx) ([]func(*state.Mutation) error, error) {
	users := make(map[uuid.UUID]*state.UserAccount)
	slots := make(map[uuid.UUID]uint64)
	var order []uuid.UUID

	rows, err := tx.QueryContext(ctx, `SELECT user_id, slot FROM risk.users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	for rows.Next() {
		var (
			id   uuid.UUID
			slot uint64
		)
		if err := rows.Scan(&id, &slot); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[id] = &state.UserAccount{UserID: id}
		slots[id] = slot
		order = append(order, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := scanChildren(ctx, tx, `
		SELECT user_id, market_index, base_asset_amount, quote_asset_amount, last_cumulative_funding_rate
		FROM risk.positions ORDER BY user_id, market_index
	`, users, func(rows *sql.Rows) (uuid.UUID, func(*state.UserAccount), error) {
		var (
			owner uuid.UUID
			p     state.Position
		)
		err := rows.Scan(&owner, &p.MarketIndex, &p.BaseAssetAmount, &p.QuoteAssetAmount, &p.LastCumulativeFundingRate)
		return owner, func(u *state.UserAccount) { u.Positions = append(u.Positions, p) }, err
	}); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	if err := scanChildren(ctx, tx, `
		SELECT user_id, order_id, market_index, side, base_asset_amount_remaining
		FROM risk.open_orders ORDER BY user_id, order_id
	`, users, func(rows *sql.Rows) (uuid.UUID, func(*state.UserAccount), error) {
		var (
			owner uuid.UUID
			o     state.OpenOrder
			side  string
		)
		err := rows.Scan(&owner, &o.OrderID, &o.MarketIndex, &side, &o.BaseAssetAmountRemaining)
		if side == "ask" {
			o.Side = state.OrderSideAsk
		}
		return owner, func(u *state.UserAccount) { u.Orders = append(u.Orders, o) }, err
	}); err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	if err := scanChildren(ctx, tx, `
		SELECT user_id, market_index, balance
		FROM risk.spot_balances ORDER BY user_id, market_index
	`, users, func(rows *sql.Rows) (uuid.UUID, func(*state.UserAccount), error) {
		var (
			owner uuid.UUID
			b     state.SpotBalance
		)
		err := rows.Scan(&owner, &b.MarketIndex, &b.Balance)
		return owner, func(u *state.UserAccount) { u.SpotBalances = append(u.SpotBalances, b) }, err
	}); err != nil {
		return nil, fmt.Errorf("load spot balances: %w", err)
	}

	out := make([]func(*state.Mutation) error, 0, len(order))
	for _, id := range order {
		user, slot := users[id], slots[id]
		out = append(out, func(mut *state.Mutation) error {
			if err := mut.SetUser(user); err != nil {
				return err
			}
			mut.SetSlot(slot)
			return nil
		})
	}
	return out, nil
}

// scanChildren runs a query over child rows and attaches each row to its
// account. Rows for unknown users are an error.
func scanChildren(ctx context.Context, tx *sql.Tx, query string, users map[uuid.UUID]*state.UserAccount,
	scan func(*sql.Rows) (uuid.UUID, func(*state.UserAccount), error)) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		owner, attach, err := scan(rows)
		if err != nil {
			return err
		}
		u, ok := users[owner]
		if !ok {
			return fmt.Errorf("%w: %s", state.ErrUserNotFound, owner)
		}
		attach(u)
	}
	return rows.Err()
}
