package aggregator

import (
	"database/sql"
	"testing"
)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestRollupSideBasicBuy(t *testing.T) {
	rows := []RawRow{
		{RowID: 1, TransactionCode: "P", TransactionDate: "2024-01-10", SharesAbs: nf(1000), PriceParsed: nf(10), SharesOwnedFollowing: nf(5000)},
		{RowID: 2, TransactionCode: "P", TransactionDate: "2024-01-12", SharesAbs: nf(500), PriceParsed: nf(12), SharesOwnedFollowing: nf(5500)},
	}

	roll := rollupSide(rows, "P")
	if !roll.Has {
		t.Fatal("expected has=true")
	}
	if roll.TradeDate != "2024-01-10" || roll.LastTxDate != "2024-01-12" {
		t.Errorf("trade dates = %q / %q", roll.TradeDate, roll.LastTxDate)
	}
	if roll.SharesTotal.Float64 != 1500 {
		t.Errorf("shares total = %v", roll.SharesTotal)
	}
	wantDollars := 1000*10.0 + 500*12.0
	if roll.DollarsTotal.Float64 != wantDollars {
		t.Errorf("dollars total = %v want %v", roll.DollarsTotal, wantDollars)
	}
	wantVWAP := wantDollars / 1500
	if roll.VWAPPrice.Float64 != wantVWAP {
		t.Errorf("vwap = %v want %v", roll.VWAPPrice, wantVWAP)
	}
	if roll.VWAPIsPartial {
		t.Error("expected fully priced VWAP")
	}
	// shares_owned_following comes from the later row (2024-01-12), not max() of the two values.
	if roll.SharesOwnedFollowing.Float64 != 5500 {
		t.Errorf("shares owned following = %v", roll.SharesOwnedFollowing)
	}
	// before = after - bought = 5500 - 1500 = 4000; pct = 1500/4000*100 = 37.5
	if roll.PctHoldingsChange.Float64 != 37.5 {
		t.Errorf("pct holdings change = %v", roll.PctHoldingsChange)
	}
}

func TestRollupSideSellBeforeAfterMath(t *testing.T) {
	rows := []RawRow{
		{RowID: 1, TransactionCode: "S", TransactionDate: "2024-02-01", SharesAbs: nf(200), PriceParsed: nf(50), SharesOwnedFollowing: nf(800)},
	}
	roll := rollupSide(rows, "S")
	// before = after + sold = 800 + 200 = 1000; pct = 200/1000*100 = 20
	if roll.PctHoldingsChange.Float64 != 20 {
		t.Errorf("pct holdings change = %v", roll.PctHoldingsChange)
	}
}

func TestRollupSideExcludesDerivativeRows(t *testing.T) {
	rows := []RawRow{
		{RowID: 1, IsDerivative: true, TransactionCode: "P", TransactionDate: "2024-01-01", SharesAbs: nf(1000), PriceParsed: nf(1)},
	}
	roll := rollupSide(rows, "P")
	if roll.Has {
		t.Fatal("derivative rows must never populate a buy/sell rollup, even when P/S coded")
	}
}

func TestRollupSideNoMatchingRows(t *testing.T) {
	rows := []RawRow{
		{RowID: 1, TransactionCode: "A", TransactionDate: "2024-01-01", SharesAbs: nf(100)},
	}
	roll := rollupSide(rows, "P")
	if roll.Has {
		t.Fatal("expected Has=false when no rows match the requested side")
	}
}

func TestRollupSidePartialVWAP(t *testing.T) {
	rows := []RawRow{
		{RowID: 1, TransactionCode: "P", TransactionDate: "2024-01-01", SharesAbs: nf(100), PriceParsed: nf(10), SharesOwnedFollowing: nf(1100)},
		{RowID: 2, TransactionCode: "P", TransactionDate: "2024-01-02", SharesAbs: nf(900)}, // no price
	}
	roll := rollupSide(rows, "P")
	if !roll.VWAPIsPartial {
		t.Error("expected vwap_is_partial when some rows lack a price")
	}
	if roll.SharesTotal.Float64 != 1000 {
		t.Errorf("shares total = %v", roll.SharesTotal)
	}
	if roll.DollarsTotal.Float64 != 1000 {
		t.Errorf("dollars total = %v (only priced leg counts)", roll.DollarsTotal)
	}
}

func TestRollupSideMissingSharesOwnedFollowing(t *testing.T) {
	rows := []RawRow{
		{RowID: 1, TransactionCode: "P", TransactionDate: "2024-01-01", SharesAbs: nf(100), PriceParsed: nf(10)},
	}
	roll := rollupSide(rows, "P")
	if roll.MissingReason != "missing_shares_owned_following" {
		t.Errorf("missing reason = %q", roll.MissingReason)
	}
}

func TestRollupSideNonpositiveSharesBefore(t *testing.T) {
	rows := []RawRow{
		{RowID: 1, TransactionCode: "P", TransactionDate: "2024-01-01", SharesAbs: nf(5000), SharesOwnedFollowing: nf(4000)},
	}
	roll := rollupSide(rows, "P")
	if roll.MissingReason != "nonpositive_shares_before" {
		t.Errorf("missing reason = %q", roll.MissingReason)
	}
}
