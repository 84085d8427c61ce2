package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PerpRisk/internal/ingestion"
	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

func rawFromJSON(t *testing.T, kind ingestion.Kind, v interface{}) ingestion.RawUpdate {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawUpdate{
		Subject:   "test",
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
		TermFunc:  func() {},
	}
}

func perpMarketPayload() map[string]interface{} {
	return map[string]interface{}{
		"market_index": 0,
		"name":         "SOL-PERP",
		"status":       "active",
		"oracle_index": 1,
		"amm": map[string]interface{}{
			"base_asset_reserve":  int64(200_000_000_000_000),
			"quote_asset_reserve": int64(200_000_000_000_000),
			"peg_multiplier":      int64(50_000_000),
		},
		"taker_fee_numerator":   1,
		"taker_fee_denominator": 1_000,
		"slot":                  100,
	}
}

func TestParsePerpMarket(t *testing.T) {
	upd, err := ingestion.ParseRawUpdate(rawFromJSON(t, ingestion.KindPerpMarket, perpMarketPayload()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pm, ok := upd.(*ingestion.PerpMarketUpdate)
	if !ok {
		t.Fatalf("expected *ingestion.PerpMarketUpdate, got %T", upd)
	}
	if pm.Market.Name != "SOL-PERP" {
		t.Errorf("name: got %s, want SOL-PERP", pm.Market.Name)
	}
	if pm.Market.Status != state.MarketStatusActive {
		t.Errorf("status: got %s, want active", pm.Market.Status)
	}
	if pm.Market.AMM.PegMultiplier != 50_000_000 {
		t.Errorf("peg: got %d, want 50_000_000", pm.Market.AMM.PegMultiplier)
	}
	if pm.Market.OracleIndex != 1 {
		t.Errorf("oracle index: got %d, want 1", pm.Market.OracleIndex)
	}
	if len(pm.Market.MarginTiers) != len(state.DefaultMarginTiers) {
		t.Errorf("missing tiers should default, got %d tiers", len(pm.Market.MarginTiers))
	}
	if pm.Slot != 100 {
		t.Errorf("slot: got %d, want 100", pm.Slot)
	}
	if upd.Kind() != ingestion.KindPerpMarket {
		t.Errorf("kind: got %s", upd.Kind())
	}
}

func TestParsePerpMarket_ExplicitTiers(t *testing.T) {
	payload := perpMarketPayload()
	payload["margin_tiers"] = []map[string]interface{}{
		{"size_breakpoint": int64(1_000_000_000), "initial": 1_000, "maintenance": 500},
	}

	upd, err := ingestion.ParseRawUpdate(rawFromJSON(t, ingestion.KindPerpMarket, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tiers := upd.(*ingestion.PerpMarketUpdate).Market.MarginTiers
	if len(tiers) != 1 || tiers[0].Initial != 1_000 || tiers[0].Maintenance != 500 {
		t.Errorf("tiers: got %+v", tiers)
	}
}

func TestParsePerpMarket_EmptyTiersRejectedOnApply(t *testing.T) {
	payload := perpMarketPayload()
	payload["margin_tiers"] = []map[string]interface{}{}

	upd, err := ingestion.ParseRawUpdate(rawFromJSON(t, ingestion.KindPerpMarket, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	store := state.NewStore()
	if _, err := store.Update(upd.Apply); !errors.Is(err, state.ErrInvalidMarginTiers) {
		t.Errorf("expected ErrInvalidMarginTiers, got %v", err)
	}
}

func TestParseOracle(t *testing.T) {
	payload := map[string]interface{}{
		"oracle_index": 1,
		"price":        int64(50_000_000),
		"confidence":   int64(10_000),
		"timestamp":    int64(1_700_000_000),
		"slot":         42,
		"source":       "pyth",
	}

	upd, err := ingestion.ParseRawUpdate(rawFromJSON(t, ingestion.KindOracle, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	o := upd.(*ingestion.OracleUpdate).Oracle
	if o.Index != 1 || o.Price != 50_000_000 || o.Confidence != 10_000 || o.Slot != 42 {
		t.Errorf("oracle: got %+v", o)
	}
	if o.Source != state.OracleSourcePyth {
		t.Errorf("source: got %s, want pyth", o.Source)
	}
}

func TestParseSpotMarket(t *testing.T) {
	payload := map[string]interface{}{
		"market_index":                0,
		"name":                        "USDC",
		"decimals":                    6,
		"cumulative_deposit_interest": int64(10_000_000_000),
		"cumulative_borrow_interest":  int64(10_000_000_000),
		"optimal_utilization":         800_000,
		"optimal_borrow_rate":         100_000,
		"max_borrow_rate":             1_000_000,
	}

	upd, err := ingestion.ParseRawUpdate(rawFromJSON(t, ingestion.KindSpotMarket, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	m := upd.(*ingestion.SpotMarketUpdate).Market
	if m.Name != "USDC" || m.Decimals != 6 || m.OptimalUtilization != 800_000 {
		t.Errorf("spot market: got %+v", m)
	}
}

func TestParseUser(t *testing.T) {
	payload := map[string]interface{}{
		"user_id": "550e8400-e29b-41d4-a716-446655440000",
		"positions": []map[string]interface{}{
			{"market_index": 0, "base_asset_amount": int64(1_000_000_000), "quote_asset_amount": int64(-50_050_252)},
		},
		"orders": []map[string]interface{}{
			{"order_id": "770e8400-e29b-41d4-a716-446655440002", "market_index": 0, "side": "ask", "base_asset_amount_remaining": int64(500_000_000)},
		},
		"spot_balances": []map[string]interface{}{
			{"market_index": 0, "balance": int64(20_000_000_000)},
		},
		"slot": 7,
	}

	upd, err := ingestion.ParseRawUpdate(rawFromJSON(t, ingestion.KindUser, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	uu, ok := upd.(*ingestion.UserUpdate)
	if !ok {
		t.Fatalf("expected *ingestion.UserUpdate, got %T", upd)
	}

	u := uu.User
	if u.UserID != uuid.MustParse("550e8400-e29b-41d4-a716-446655440000") {
		t.Errorf("user id: got %s", u.UserID)
	}
	if len(u.Positions) != 1 || u.Positions[0].QuoteAssetAmount != -50_050_252 {
		t.Errorf("positions: got %+v", u.Positions)
	}
	if len(u.Orders) != 1 || u.Orders[0].Side != state.OrderSideAsk {
		t.Errorf("orders: got %+v", u.Orders)
	}
	if len(u.SpotBalances) != 1 || u.SpotBalances[0].Balance != 20_000_000_000 {
		t.Errorf("spot balances: got %+v", u.SpotBalances)
	}
}

func TestParseUser_Deleted(t *testing.T) {
	payload := map[string]interface{}{
		"user_id": "550e8400-e29b-41d4-a716-446655440000",
		"deleted": true,
	}

	upd, err := ingestion.ParseRawUpdate(rawFromJSON(t, ingestion.KindUser, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := upd.(*ingestion.UserRemoval); !ok {
		t.Fatalf("expected *ingestion.UserRemoval, got %T", upd)
	}
}

func TestParseErrors(t *testing.T) {
	validUser := "550e8400-e29b-41d4-a716-446655440000"

	tests := []struct {
		name    string
		kind    ingestion.Kind
		payload interface{}
		wantErr error
	}{
		{"unknown kind", ingestion.Kind("funding"), map[string]interface{}{}, ingestion.ErrUnknownKind},
		{"bad status", ingestion.KindPerpMarket, map[string]interface{}{
			"status": "open", "taker_fee_denominator": 1_000,
		}, ingestion.ErrInvalidPayload},
		{"zero fee denominator", ingestion.KindPerpMarket, map[string]interface{}{
			"status": "active",
		}, ingestion.ErrInvalidPayload},
		{"zero cumulative interest", ingestion.KindSpotMarket, map[string]interface{}{
			"decimals": 6,
		}, ingestion.ErrInvalidPayload},
		{"non-positive price", ingestion.KindOracle, map[string]interface{}{
			"price": 0, "source": "pyth",
		}, ingestion.ErrInvalidPayload},
		{"unknown source", ingestion.KindOracle, map[string]interface{}{
			"price": 1, "source": "chainlink",
		}, ingestion.ErrInvalidPayload},
		{"bad order side", ingestion.KindUser, map[string]interface{}{
			"user_id": validUser,
			"orders": []map[string]interface{}{
				{"order_id": "770e8400-e29b-41d4-a716-446655440002", "side": "long"},
			},
		}, ingestion.ErrInvalidPayload},
		{"duplicate position", ingestion.KindUser, map[string]interface{}{
			"user_id":   validUser,
			"positions": []map[string]interface{}{{"market_index": 0}, {"market_index": 0}},
		}, ingestion.ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseRawUpdate(rawFromJSON(t, tt.kind, tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseInvalidJSON(t *testing.T) {
	raw := ingestion.RawUpdate{Kind: ingestion.KindOracle, Data: []byte("not json")}
	if _, err := ingestion.ParseRawUpdate(raw); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUserID(t *testing.T) {
	raw := rawFromJSON(t, ingestion.KindUser, map[string]interface{}{"user_id": "not-a-uuid"})
	if _, err := ingestion.ParseRawUpdate(raw); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
