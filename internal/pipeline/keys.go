// Package pipeline holds the small set of identity types shared across
// the compute stages (aggregator, trend, outcomes, stats, clusters).
package pipeline

// EventKey identifies one insider event: a single reporting owner's
// activity within a single accession.
type EventKey struct {
	IssuerCIK       string
	OwnerKey        string
	AccessionNumber string
}

// OwnerIssuerKey identifies a reporting owner's history at one issuer,
// the grain stats are aggregated over.
type OwnerIssuerKey struct {
	IssuerCIK string
	OwnerKey  string
}

// Side is which direction of activity a rollup, outcome, or cluster
// describes.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)
