// Package baseline computes a cheap, deterministic rating/confidence
// for each side of an insider event before any model call. The model
// is instructed to anchor on this baseline rather than guessing from
// scratch, which keeps ratings stable across model and prompt
// revisions.
package baseline

import (
	"regexp"
	"strings"
)

var (
	ceoRe = regexp.MustCompile(`\bceo\b`)
	cfoRe = regexp.MustCompile(`\bcfo\b`)
)

func normTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

func isCEO(title string) bool {
	t := normTitle(title)
	if t == "" {
		return false
	}
	return strings.Contains(t, "chief executive") || ceoRe.MatchString(t)
}

func isCFO(title string) bool {
	t := normTitle(title)
	if t == "" {
		return false
	}
	return strings.Contains(t, "chief financial") || cfoRe.MatchString(t)
}

var execKeywords = []string{"chief ", "ceo", "cfo", "coo", "president", "vp", "vice president", "executive"}

func isExec(title string) bool {
	t := normTitle(title)
	if t == "" {
		return false
	}
	for _, k := range execKeywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// SidePayload carries the subset of a side's computed event fields the
// baseline needs. A nil pointer means the value is unknown, as opposed
// to zero.
type SidePayload struct {
	HasActivity            bool
	HoldingsChangePct      *float64
	Dollars                *float64
	TradeValuePctMarketCap *float64
}

// Input is the reduced view of an ai_input document the baseline
// scorer reads from.
type Input struct {
	MarketCapBucket      string
	OwnerTitle           string
	Buy                  SidePayload
	Sell                 SidePayload
	BuyClusterFlag       bool
	SellClusterFlag      bool
	PriorBuyEventsTotal  *int
	PriorSellEventsTotal *int
	Ret60d               *float64
	BuyVWAPIsPartial     bool
	SellVWAPIsPartial    bool
	TrendMissing         bool
}

// SideResult is the baseline rating/confidence for one side, nil when
// the side has no activity to score.
type SideResult struct {
	Rating     *float64
	Confidence *float64
	Reasons    []string
}

// Result is the baseline for both sides of one event.
type Result struct {
	Buy  SideResult
	Sell SideResult
}

func bucketAdj(bucket string) float64 {
	switch strings.ToLower(strings.TrimSpace(bucket)) {
	case "micro":
		return 0.7
	case "small":
		return 0.4
	case "mid":
		return 0.2
	case "mega":
		return -0.3
	default:
		return 0.0 // large, or unknown -> neutral
	}
}

func roleAdj(title string) float64 {
	if isCEO(title) {
		return 0.6
	}
	if isExec(title) {
		return 0.3
	}
	return 0.0
}

func pctBase(pct *float64, isBuy bool) float64 {
	if pct == nil {
		if isBuy {
			return 5.6
		}
		return 5.4
	}
	p := *pct
	switch {
	case p >= 200:
		if isBuy {
			return 9.5
		}
		return 9.0
	case p >= 100:
		if isBuy {
			return 9.0
		}
		return 8.5
	case p >= 50:
		if isBuy {
			return 8.5
		}
		return 8.0
	case p >= 25:
		if isBuy {
			return 8.0
		}
		return 7.5
	case p >= 10:
		if isBuy {
			return 7.5
		}
		return 7.0
	case p >= 5:
		if isBuy {
			return 7.0
		}
		return 6.5
	case p >= 2:
		return 6.5
	case p >= 1:
		return 5.8
	default:
		return 5.2
	}
}

func tradeSizeAdj(dollars, pctMcap *float64) float64 {
	if pctMcap != nil {
		p := *pctMcap
		switch {
		case p >= 1.0:
			return 1.0
		case p >= 0.5:
			return 0.7
		case p >= 0.1:
			return 0.4
		case p >= 0.05:
			return 0.2
		case p < 0.005:
			return -0.4
		case p < 0.02:
			return -0.2
		default:
			return 0.0
		}
	}
	if dollars == nil {
		return 0.0
	}
	d := *dollars
	switch {
	case d >= 5_000_000:
		return 0.7
	case d >= 1_000_000:
		return 0.5
	case d >= 250_000:
		return 0.3
	case d >= 100_000:
		return 0.2
	case d < 25_000:
		return -0.2
	default:
		return 0.0
	}
}

func historyAdj(priorEventsTotal *int, tradeSize float64) float64 {
	if priorEventsTotal == nil {
		return 0.0
	}
	n := *priorEventsTotal
	switch {
	case n == 0:
		if tradeSize >= 0.2 {
			return 0.35
		}
		return 0.1
	case n <= 2:
		return 0.2
	case n <= 5:
		return 0.1
	default:
		return 0.0
	}
}

func clusterAdj(flag bool) float64 {
	if flag {
		return 0.4
	}
	return 0.0
}

// trendAdj lightly rewards mean-reversion buys and momentum sells.
func trendAdj(isBuy bool, ret60 *float64) float64 {
	if ret60 == nil {
		return 0.0
	}
	r := *ret60
	if isBuy {
		switch {
		case r <= -0.25:
			return 0.35
		case r <= -0.10:
			return 0.2
		case r >= 0.25:
			return -0.2
		default:
			return 0.0
		}
	}
	switch {
	case r >= 0.25:
		return 0.25
	case r >= 0.10:
		return 0.15
	case r <= -0.25:
		return -0.15
	default:
		return 0.0
	}
}

func round1(x float64) float64 {
	return float64(int(x*10+0.5)) / 10
}

// Compute scores both sides of an event. A side with no activity
// returns a zero-value SideResult (Rating/Confidence nil).
func Compute(in Input) Result {
	var res Result

	if in.Buy.HasActivity {
		tradeSize := tradeSizeAdj(in.Buy.Dollars, in.Buy.TradeValuePctMarketCap)
		rating := pctBase(in.Buy.HoldingsChangePct, true)
		rating += tradeSize
		rating += bucketAdj(in.MarketCapBucket)
		rating += roleAdj(in.OwnerTitle)
		rating += historyAdj(in.PriorBuyEventsTotal, tradeSize)
		rating += clusterAdj(in.BuyClusterFlag)
		rating += trendAdj(true, in.Ret60d)
		rating = round1(clamp(rating, 1.0, 10.0))

		conf := 0.40
		if in.Buy.HoldingsChangePct != nil && *in.Buy.HoldingsChangePct >= 50 {
			conf += 0.10
		}
		if isCEO(in.OwnerTitle) || isCFO(in.OwnerTitle) {
			conf += 0.05
		}
		if in.BuyClusterFlag {
			conf += 0.05
		}
		if in.BuyVWAPIsPartial {
			conf -= 0.07
		}
		if in.TrendMissing {
			conf -= 0.05
		}
		conf = clamp(conf, 0.0, 1.0)

		res.Buy = SideResult{Rating: &rating, Confidence: &conf, Reasons: []string{"pct_holdings_change"}}
	}

	if in.Sell.HasActivity {
		tradeSize := tradeSizeAdj(in.Sell.Dollars, in.Sell.TradeValuePctMarketCap)
		rating := pctBase(in.Sell.HoldingsChangePct, false)
		rating += tradeSize
		rating += bucketAdj(in.MarketCapBucket)
		rating += roleAdj(in.OwnerTitle)
		rating += historyAdj(in.PriorSellEventsTotal, tradeSize)
		rating += clusterAdj(in.SellClusterFlag)
		rating += trendAdj(false, in.Ret60d)
		rating = round1(clamp(rating, 1.0, 10.0))

		conf := 0.38
		if in.Sell.HoldingsChangePct != nil && *in.Sell.HoldingsChangePct >= 25 {
			conf += 0.10
		}
		if isCEO(in.OwnerTitle) || isCFO(in.OwnerTitle) {
			conf += 0.05
		}
		if in.SellClusterFlag {
			conf += 0.05
		}
		if in.SellVWAPIsPartial {
			conf -= 0.07
		}
		if in.TrendMissing {
			conf -= 0.05
		}
		conf = clamp(conf, 0.0, 1.0)

		res.Sell = SideResult{Rating: &rating, Confidence: &conf, Reasons: []string{"pct_holdings_change"}}
	}

	return res
}
