package schema

import (
	"encoding/json"
	"testing"
)

func mustParse(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

const validInput = `{
	"event": {
		"issuer_cik": "0000320193",
		"owner_key": "owner-1",
		"accession_number": "acc-1",
		"buy": {"has_buy": true},
		"sell": {"has_sell": false}
	},
	"baseline": {
		"buy": {"rating": 7.0, "confidence": 0.5},
		"sell": {"rating": null, "confidence": null}
	}
}`

func validOutput(rating, confidence float64) string {
	return `{
		"schema_version": "ai_output_v1",
		"model_id": "gemini-test",
		"prompt_version": "prompt_ai_v3",
		"generated_at_utc": "2024-01-01T00:00:00Z",
		"event_key": {"issuer_cik":"0000320193","owner_key":"owner-1","accession_number":"acc-1"},
		"verdict": {
			"buy_signal": {"status":"applicable","rating":` + jnum(rating) + `,"confidence":` + jnum(confidence) + `,"horizon_days":60,"summary":"strong buy signal"},
			"sell_signal": {"status":"not_applicable","rating":null,"confidence":null,"horizon_days":null,"summary":null}
		},
		"narrative": {"thesis_bullets":["insider bought heavily"],"context_bullets":[],"counterpoints_bullets":[]},
		"risks": [{"risk_type":"concentration","severity":"low","text":"insider bought heavily"}],
		"flags": [],
		"field_citations": [{"claim":"insider bought heavily","input_paths":["$.event.buy.has_buy"]}]
	}`
}

func jnum(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestValidateAcceptsWellFormedOutput(t *testing.T) {
	in := mustParse(t, validInput)
	out := mustParse(t, validOutput(7.5, 0.5))
	if err := Validate(out, in); err != nil {
		t.Fatalf("expected valid output, got: %v", err)
	}
}

func TestValidateRejectsUnknownTopLevelKey(t *testing.T) {
	in := mustParse(t, validInput)
	out := mustParse(t, validOutput(7.5, 0.5))
	out["bogus"] = "x"
	if err := Validate(out, in); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestValidateRejectsRatingBeyondBaselineDelta(t *testing.T) {
	in := mustParse(t, validInput)
	out := mustParse(t, validOutput(1.0, 0.5)) // baseline is 7.0, delta way over 3.0
	if err := Validate(out, in); err == nil {
		t.Fatal("expected error for rating exceeding baseline delta")
	}
}

func TestValidateRejectsSideApplicableWhenNoActivity(t *testing.T) {
	in := mustParse(t, validInput)
	out := mustParse(t, validOutput(7.5, 0.5))
	verdict := out["verdict"].(map[string]any)
	verdict["sell_signal"] = map[string]any{
		"status": "applicable", "rating": 5.0, "confidence": 0.5, "horizon_days": 60.0, "summary": "x",
	}
	if err := Validate(out, in); err == nil {
		t.Fatal("expected error when sell_signal is applicable but has_sell is false")
	}
}

func TestValidateRejectsMissingCitationForRisk(t *testing.T) {
	in := mustParse(t, validInput)
	out := mustParse(t, validOutput(7.5, 0.5))
	out["field_citations"] = []any{}
	if err := Validate(out, in); err == nil {
		t.Fatal("expected error when risks exist without a matching citation")
	}
}

func TestValidateRejectsCitationPathNotInInput(t *testing.T) {
	in := mustParse(t, validInput)
	out := mustParse(t, validOutput(7.5, 0.5))
	out["field_citations"] = []any{
		map[string]any{"claim": "insider bought heavily", "input_paths": []any{"$.event.buy.nonexistent_field"}},
	}
	if err := Validate(out, in); err == nil {
		t.Fatal("expected error for citation path missing from ai_input")
	}
}

func TestJSONPathExistsWithArrayIndex(t *testing.T) {
	obj := mustParse(t, `{"a":{"b":[{"c":1}]}}`)
	if !jsonPathExists(obj, "$.a.b[0].c") {
		t.Error("expected path to exist")
	}
	if jsonPathExists(obj, "$.a.b[1].c") {
		t.Error("expected out-of-range index to not exist")
	}
}

func TestExtractJSONObjectFromFencedText(t *testing.T) {
	text := "```json\n{\"a\": 1}\n```"
	obj, err := ExtractJSONObject(text)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if obj["a"] != float64(1) {
		t.Errorf("unexpected object: %v", obj)
	}
}
