// Package identity derives deterministic owner keys from SEC
// reporting-owner identity fields (spec.md §4.5).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// honorifics are trailing suffixes stripped after name normalization.
var honorifics = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true, "v": true,
	"md": true, "phd": true, "cpa": true, "esq": true,
}

// entityTokens flag a normalized name as likely belonging to an entity
// rather than a natural person.
var entityTokens = map[string]bool{
	"llc": true, "inc": true, "ltd": true, "lp": true, "llp": true,
	"plc": true, "corp": true, "corporation": true, "company": true,
	"co": true, "partners": true, "holdings": true, "trust": true,
	"foundation": true, "capital": true, "management": true,
}

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// Result is the derived identity for one reporting owner.
type Result struct {
	OwnerKey          string
	NormalizedName    string
	IsEntityNameGuess bool
}

// Normalize implements the three-tier owner-key derivation: a
// zero-padded CIK wins when present; otherwise a hash of the
// normalized name; otherwise a fixed unknown-owner sentinel.
func Normalize(rawCIK, rawName string) Result {
	if cik := digitsOnly(rawCIK); cik != "" {
		return Result{OwnerKey: zeroPadCIK(cik)}
	}

	normalized, isEntity := normalizeName(rawName)
	if normalized != "" {
		return Result{
			OwnerKey:          "namehash:" + sha256Hex(normalized),
			NormalizedName:    normalized,
			IsEntityNameGuess: isEntity,
		}
	}

	return Result{OwnerKey: "unknown:" + sha256Hex("unknown_owner")}
}

// ZeroPadCIK zero-pads a CIK to 10 digits. Exported for callers that
// need to normalize issuer CIKs the same way (e.g. the Aggregator).
func ZeroPadCIK(raw string) string {
	return zeroPadCIK(digitsOnly(raw))
}

func zeroPadCIK(digits string) string {
	if digits == "" {
		return ""
	}
	if len(digits) >= 10 {
		return digits[len(digits)-10:]
	}
	return strings.Repeat("0", 10-len(digits)) + digits
}

func digitsOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	// Guard against stray non-numeric CIK-shaped garbage (e.g. "N/A").
	if _, err := strconv.Atoi(out); err != nil {
		return ""
	}
	return out
}

// normalizeName implements the "LAST, FIRST M" comma-swap on the raw
// string (each half normalized independently, falling back to
// normalizing the whole raw string when either half goes empty) and
// then strips trailing honorifics from the joined token list.
func normalizeName(raw string) (normalized string, isEntityGuess bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	var s string
	if idx := strings.Index(raw, ","); idx >= 0 {
		left := basicNameNorm(raw[:idx])
		right := basicNameNorm(raw[idx+1:])
		if left != "" && right != "" {
			s = strings.TrimSpace(right + " " + left)
		} else {
			s = basicNameNorm(raw)
		}
	} else {
		s = basicNameNorm(raw)
	}

	if s == "" {
		return "", false
	}

	tokens := strings.Fields(s)

	// Strip trailing honorifics, possibly more than one
	// (e.g. "... Jr III").
	for len(tokens) > 0 && honorifics[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}

	for _, t := range tokens {
		if entityTokens[t] {
			isEntityGuess = true
			break
		}
	}

	return strings.Join(tokens, " "), isEntityGuess
}

// basicNameNorm applies NFKC, lowercasing, and non-alnum-to-space
// collapsing to a single name fragment.
func basicNameNorm(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnumRun.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
