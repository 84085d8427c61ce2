package amm_test

import (
	"errors"
	"testing"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/state"
)

func balancedAMM() state.AMM {
	return state.AMM{
		BaseAssetReserve:  200_000_000_000_000,
		QuoteAssetReserve: 200_000_000_000_000,
		PegMultiplier:     50_000_000,
	}
}

func TestPrice_Balanced(t *testing.T) {
	a := balancedAMM()
	price, err := amm.MarkPrice(a)
	if err != nil {
		t.Fatalf("mark price: %v", err)
	}
	if price != 50_000_000 {
		t.Errorf("got %d, want 50_000_000", price)
	}
}

func TestPrice_InvariantUnderReserveScaling(t *testing.T) {
	cases := []struct {
		base, quote, peg int64
	}{
		{1_000_000_000, 3_000_000_000, 1_000_000},
		{199_999_000_000_000, 200_001_000_005_001, 50_000_000},
		{7_777_777, 1_234_567, 23_456_789},
	}
	factors := []int64{2, 3, 7, 1000}

	for _, tc := range cases {
		want, err := amm.Price(tc.base, tc.quote, tc.peg)
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		for _, k := range factors {
			got, err := amm.Price(tc.base*k, tc.quote*k, tc.peg)
			if err != nil {
				t.Fatalf("scaled price: %v", err)
			}
			if got != want {
				t.Errorf("base=%d quote=%d scaled by %d: got %d, want %d", tc.base, tc.quote, k, got, want)
			}
		}
	}
}

func TestPrice_InvalidInputs(t *testing.T) {
	if _, err := amm.Price(0, 1, 1); !errors.Is(err, amm.ErrInvalidReserves) {
		t.Errorf("zero base: got %v, want ErrInvalidReserves", err)
	}
	if _, err := amm.Price(1, -1, 1); !errors.Is(err, amm.ErrInvalidReserves) {
		t.Errorf("negative quote: got %v, want ErrInvalidReserves", err)
	}
	if _, err := amm.Price(1, 1, 0); !errors.Is(err, amm.ErrInvalidPeg) {
		t.Errorf("zero peg: got %v, want ErrInvalidPeg", err)
	}
}

func TestQuoteForBase_OpenLong(t *testing.T) {
	a := balancedAMM()

	cost, err := amm.QuoteForBase(a, amm.SwapRemove, 1_000_000_000)
	if err != nil {
		t.Fatalf("quote for base: %v", err)
	}
	if cost != 50_000_251 {
		t.Errorf("cost: got %d, want 50_000_251", cost)
	}

	market := &state.PerpMarket{TakerFeeNumerator: 1, TakerFeeDenominator: 1000}
	fee, err := amm.TakerFee(market, cost)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee != 50_001 {
		t.Errorf("fee: got %d, want 50_001", fee)
	}
}

func TestApplySwap_DoesNotMutateInput(t *testing.T) {
	a := balancedAMM()
	next, _, err := amm.ApplySwap(a, amm.SwapRemove, 1_000_000_000)
	if err != nil {
		t.Fatalf("apply swap: %v", err)
	}

	if a != balancedAMM() {
		t.Error("input AMM was modified")
	}
	if next.BaseAssetReserve != 199_999_000_000_000 {
		t.Errorf("base reserve: got %d", next.BaseAssetReserve)
	}
	if next.QuoteAssetReserve != 200_001_000_005_001 {
		t.Errorf("quote reserve: got %d", next.QuoteAssetReserve)
	}
	if next.BaseAssetAmountWithAmm != 1_000_000_000 {
		t.Errorf("net user base: got %d", next.BaseAssetAmountWithAmm)
	}

	price, _ := amm.MarkPrice(next)
	if price != 50_000_500 {
		t.Errorf("mark after open: got %d, want 50_000_500", price)
	}
}

func TestQuoteForBase_CloseShortSide(t *testing.T) {
	a := balancedAMM()
	a.QuoteAssetReserve = 220_000_000_000_000

	proceeds, err := amm.QuoteForBase(a, amm.SwapAdd, 1_000_000_000)
	if err != nil {
		t.Fatalf("quote for base: %v", err)
	}
	if proceeds != 54_999_725 {
		t.Errorf("proceeds: got %d, want 54_999_725", proceeds)
	}
}

func TestSwapReserves_Errors(t *testing.T) {
	a := balancedAMM()

	if _, _, err := amm.SwapReserves(a, amm.SwapRemove, a.BaseAssetReserve); !errors.Is(err, amm.ErrInsufficientLiquidity) {
		t.Errorf("draining base: got %v, want ErrInsufficientLiquidity", err)
	}
	if _, _, err := amm.SwapReserves(a, amm.SwapAdd, 0); !errors.Is(err, amm.ErrInvalidSwapAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidSwapAmount", err)
	}
}

func TestSwapReserves_RoundsAgainstTrader(t *testing.T) {
	a := state.AMM{BaseAssetReserve: 3, QuoteAssetReserve: 10, PegMultiplier: 1}

	// k = 30; removing 1 base leaves 2, quote = 15 exactly.
	_, q, err := amm.SwapReserves(a, amm.SwapRemove, 1)
	if err != nil {
		t.Fatal(err)
	}
	if q != 15 {
		t.Errorf("exact: got %d, want 15", q)
	}

	// Adding 1 base gives 4, quote = 7.5 -> 8.
	_, q, err = amm.SwapReserves(a, amm.SwapAdd, 1)
	if err != nil {
		t.Fatal(err)
	}
	if q != 8 {
		t.Errorf("rounded: got %d, want 8", q)
	}
}

func TestReservePrice(t *testing.T) {
	opened, _, err := amm.ApplySwap(balancedAMM(), amm.SwapRemove, 1_000_000_000)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("no net user position adopts the oracle peg", func(t *testing.T) {
		price, err := amm.ReservePrice(balancedAMM(), 51_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if price != 51_000_000 {
			t.Errorf("got %d, want 51_000_000", price)
		}
	})

	t.Run("empty fee pool keeps the peg", func(t *testing.T) {
		price, err := amm.ReservePrice(opened, 51_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if price != 50_000_500 {
			t.Errorf("got %d, want mark 50_000_500", price)
		}
	})

	t.Run("funded fee pool moves to target", func(t *testing.T) {
		funded := opened
		funded.TotalFeeMinusDistributions = 1_000_000
		peg, cost, err := amm.RepegTarget(funded, 51_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if peg != 50_999_490 || cost != 999_495 {
			t.Errorf("got peg %d cost %d, want 50_999_490 / 999_495", peg, cost)
		}
		price, _ := amm.ReservePrice(funded, 51_000_000)
		if price != 50_999_999 {
			t.Errorf("price: got %d, want 50_999_999", price)
		}
	})

	t.Run("partial budget moves a fraction", func(t *testing.T) {
		partial := opened
		partial.TotalFeeMinusDistributions = 249_873
		price, err := amm.ReservePrice(partial, 51_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if price != 50_250_373 {
			t.Errorf("got %d, want 50_250_373", price)
		}
	})

	t.Run("repeg toward a lower oracle pays the AMM", func(t *testing.T) {
		peg, cost, err := amm.RepegTarget(opened, 49_000_000)
		if err != nil {
			t.Fatal(err)
		}
		if cost >= 0 {
			t.Errorf("cost: got %d, want negative", cost)
		}
		if peg >= opened.PegMultiplier {
			t.Errorf("peg: got %d, want below %d", peg, opened.PegMultiplier)
		}
	})

	t.Run("profitable repeg goes ahead with a fee pool in debt", func(t *testing.T) {
		indebted := opened
		indebted.TotalFeeMinusDistributions = -1_000_000_000
		peg, cost, err := amm.RepegTarget(indebted, 49_000_000)
		if err != nil {
			t.Fatal(err)
		}
		want, wantCost, _ := amm.RepegTarget(opened, 49_000_000)
		if peg != want || cost != wantCost {
			t.Errorf("got peg %d cost %d, want %d / %d", peg, cost, want, wantCost)
		}
		if peg >= indebted.PegMultiplier {
			t.Errorf("peg: got %d, want below %d", peg, indebted.PegMultiplier)
		}
	})

	t.Run("input is not modified", func(t *testing.T) {
		before := opened
		_, _ = amm.ReservePrice(opened, 60_000_000)
		if opened != before {
			t.Error("reserve price mutated the AMM")
		}
	})
}

func TestOracleSpread(t *testing.T) {
	spread, err := amm.OracleSpread(50_500_000, 50_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if spread != 100 {
		t.Errorf("got %d, want 100 (1%%)", spread)
	}
	if _, err := amm.OracleSpread(1, 0); !errors.Is(err, amm.ErrInvalidPrice) {
		t.Errorf("zero oracle: got %v", err)
	}
}
