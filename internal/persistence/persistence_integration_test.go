package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"PerpRisk/internal/persistence"
	"PerpRisk/internal/state"
	"PerpRisk/internal/testutil"
	"PerpRisk/migrations"

	"github.com/google/uuid"
)

// setupSchema opens the integration database and applies the migrations.
func setupSchema(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	if _, err := persistence.NewMigrator(db, migrations.FS).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seededSnapshot(t *testing.T) *state.Snapshot {
	t.Helper()
	snap, err := state.BuildSnapshot(func(m *state.Mutation) error {
		if err := m.SetPerpMarket(testutil.ScenarioMarket()); err != nil {
			return err
		}
		if err := m.SetSpotMarket(testutil.QuoteSpotMarket()); err != nil {
			return err
		}
		if err := m.SetOracle(state.OracleData{
			Index: testutil.ScenarioOracleIndex, Price: 50_000_000, Confidence: 10_000,
			Timestamp: 1_700_000_000, Slot: 42, Source: state.OracleSourcePyth,
		}); err != nil {
			return err
		}
		return m.SetUser(&state.UserAccount{
			UserID: testutil.ScenarioUserID,
			Positions: []state.Position{{
				MarketIndex: testutil.ScenarioPerpMarket, BaseAssetAmount: 1_000_000_000, QuoteAssetAmount: -50_050_252,
			}},
			Orders: []state.OpenOrder{{
				OrderID: uuid.MustParse("770e8400-e29b-41d4-a716-446655440002"), MarketIndex: testutil.ScenarioPerpMarket,
				Side: state.OrderSideAsk, BaseAssetAmountRemaining: 500_000_000,
			}},
			SpotBalances: []state.SpotBalance{{MarketIndex: state.QuoteSpotMarketIndex, Balance: 20_000_000_000}},
		})
	})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return snap
}

func TestMigrator_Idempotent(t *testing.T) {
	db := setupSchema(t)
	m := persistence.NewMigrator(db, migrations.FS)

	ran, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if ran != 0 {
		t.Errorf("second up ran %d migrations, want 0", ran)
	}
	applied, err := m.AppliedVersions(context.Background())
	if err != nil {
		t.Fatalf("applied versions: %v", err)
	}
	if !applied["000001"] {
		t.Errorf("000001 not recorded: %v", applied)
	}
}

func TestWriteThenLoadRoundTrip(t *testing.T) {
	db := setupSchema(t)
	ctx := context.Background()
	want := seededSnapshot(t)

	if err := persistence.NewStateWriter(db).WriteSnapshot(ctx, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := persistence.NewStateLoader(db).LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got.Slot != 42 {
		t.Errorf("slot: got %d, want 42", got.Slot)
	}
	market, err := got.PerpMarket(testutil.ScenarioPerpMarket)
	if err != nil {
		t.Fatalf("perp market: %v", err)
	}
	if market.AMM != testutil.ScenarioMarket().AMM || len(market.MarginTiers) != len(state.DefaultMarginTiers) {
		t.Errorf("perp market: got %+v", market)
	}
	if o, _ := got.Oracle(testutil.ScenarioOracleIndex); o.Price != 50_000_000 || o.Source != state.OracleSourcePyth {
		t.Errorf("oracle: got %+v", o)
	}

	user, err := got.User(testutil.ScenarioUserID)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if len(user.Positions) != 1 || user.Positions[0].QuoteAssetAmount != -50_050_252 {
		t.Errorf("positions: got %+v", user.Positions)
	}
	if len(user.Orders) != 1 || user.Orders[0].Side != state.OrderSideAsk {
		t.Errorf("orders: got %+v", user.Orders)
	}
	if len(user.SpotBalances) != 1 || user.SpotBalances[0].Balance != 20_000_000_000 {
		t.Errorf("spot balances: got %+v", user.SpotBalances)
	}

	// A user missing from the next write is pruned.
	delete(want.Users, testutil.ScenarioUserID)
	if err := persistence.NewStateWriter(db).WriteSnapshot(ctx, want); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, err = persistence.NewStateLoader(db).LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if _, err := got.User(testutil.ScenarioUserID); !errors.Is(err, state.ErrUserNotFound) {
		t.Errorf("expected pruned user, got %v", err)
	}
}

func TestSnapshotArchive(t *testing.T) {
	db := setupSchema(t)
	ctx := context.Background()
	archive := persistence.NewSnapshotArchive(db)

	empty, err := archive.LoadLatestSnapshot(ctx)
	if err != nil || empty != nil {
		t.Fatalf("empty archive: got %v, %v", empty, err)
	}

	snap := seededSnapshot(t)
	if _, err := archive.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := archive.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Slot != snap.Slot || len(loaded.Users) != 1 {
		t.Errorf("loaded: slot %d users %d", loaded.Slot, len(loaded.Users))
	}
	if _, err := loaded.User(testutil.ScenarioUserID); err != nil {
		t.Errorf("user lost in archive: %v", err)
	}

	if _, err := db.ExecContext(ctx, `UPDATE risk.snapshots SET checksum = '\x00'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := archive.LoadLatestSnapshot(ctx); !errors.Is(err, persistence.ErrArchiveCorrupt) {
		t.Errorf("expected ErrArchiveCorrupt, got %v", err)
	}
}
