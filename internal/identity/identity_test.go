package identity

import "testing"

func TestNormalizeCIKWins(t *testing.T) {
	r := Normalize("0001234567", "Doe, Jane")
	if r.OwnerKey != "0001234567" {
		t.Fatalf("expected zero-padded CIK key, got %q", r.OwnerKey)
	}
}

func TestNormalizeCIKZeroPadsShort(t *testing.T) {
	r := Normalize("42", "")
	if r.OwnerKey != "0000000042" {
		t.Fatalf("got %q", r.OwnerKey)
	}
}

func TestNormalizeCIKTruncatesLong(t *testing.T) {
	r := Normalize("123456789012", "")
	if r.OwnerKey != "3456789012" {
		t.Fatalf("got %q", r.OwnerKey)
	}
}

func TestNormalizeNameCommaSwap(t *testing.T) {
	r := Normalize("", "Doe, Jane M")
	if r.NormalizedName != "jane m doe" {
		t.Fatalf("got %q", r.NormalizedName)
	}
	if r.OwnerKey == "" {
		t.Fatal("expected a namehash owner key")
	}
}

func TestNormalizeNameStripsHonorifics(t *testing.T) {
	r := Normalize("", "Smith, Robert Jr")
	if r.NormalizedName != "robert smith" {
		t.Fatalf("got %q", r.NormalizedName)
	}
}

func TestNormalizeNameMultipleHonorifics(t *testing.T) {
	r := Normalize("", "Smith, Robert Jr III")
	if r.NormalizedName != "robert smith" {
		t.Fatalf("got %q", r.NormalizedName)
	}
}

func TestNormalizeNameEntityGuess(t *testing.T) {
	r := Normalize("", "Acme Capital Partners LLC")
	if !r.IsEntityNameGuess {
		t.Fatal("expected entity guess to be true")
	}
}

func TestNormalizeNamePersonNotEntity(t *testing.T) {
	r := Normalize("", "Jane Doe")
	if r.IsEntityNameGuess {
		t.Fatal("expected entity guess to be false for a plain person name")
	}
}

// When the side of a "LAST, FIRST" name left of the comma normalizes
// to nothing (pure punctuation), the original falls back to
// normalizing the whole raw string rather than swapping in an empty
// half.
func TestNormalizeNameEmptyLeftOfCommaFallsBack(t *testing.T) {
	r := Normalize("", ", Jane M")
	if r.NormalizedName != "jane m" {
		t.Fatalf("got %q", r.NormalizedName)
	}
}

func TestNormalizeNameEmptyRightOfCommaFallsBack(t *testing.T) {
	r := Normalize("", "Doe, .")
	if r.NormalizedName != "doe" {
		t.Fatalf("got %q", r.NormalizedName)
	}
}

func TestNormalizeNameNoComma(t *testing.T) {
	r := Normalize("", "Jane Doe")
	if r.NormalizedName != "jane doe" {
		t.Fatalf("got %q", r.NormalizedName)
	}
}

func TestNormalizeUnknownFallback(t *testing.T) {
	r := Normalize("", "")
	if r.OwnerKey == "" {
		t.Fatal("expected a deterministic unknown-owner key")
	}
	r2 := Normalize("", "")
	if r.OwnerKey != r2.OwnerKey {
		t.Fatal("unknown-owner key must be deterministic")
	}
}

func TestZeroPadCIKHelper(t *testing.T) {
	if got := ZeroPadCIK("7"); got != "0000000007" {
		t.Fatalf("got %q", got)
	}
}
