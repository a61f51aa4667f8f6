// Package schema strictly validates model output against the
// ai_output_v1 contract. Validation is intentionally strict: any
// output that fails is rejected rather than patched, since a
// hallucinated citation or a blown rating delta is worse than a
// missing verdict.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError is returned for any contract violation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func fail(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

const (
	MaxRatingDelta = 3.0
	MaxConfDelta   = 0.35
)

var allowedTopKeys = map[string]bool{
	"schema_version": true, "model_id": true, "prompt_version": true,
	"generated_at_utc": true, "event_key": true, "verdict": true,
	"narrative": true, "risks": true, "flags": true, "field_citations": true,
}

var allowedStatus = map[string]bool{"applicable": true, "not_applicable": true, "insufficient_data": true}
var allowedSeverity = map[string]bool{"low": true, "medium": true, "high": true}
var allowedHorizon = map[float64]bool{60: true, 180: true}

// ExtractJSONObject pulls the first top-level JSON object out of raw
// model text, tolerating markdown fences or stray prose the way
// Gemini occasionally produces.
func ExtractJSONObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fail("could not find JSON object in model response")
	}
	candidate := text[start : end+1]
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, fail("failed to parse JSON from model response: %v", err)
	}
	return obj, nil
}

// Validate checks ai_output against the ai_output_v1 contract,
// cross-referencing it against the ai_input document it was produced
// from (event identity, side applicability, citation paths, and
// baseline rating/confidence deltas).
func Validate(output, input map[string]any) error {
	extra := []string{}
	for k := range output {
		if !allowedTopKeys[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		return fail("AI output has unknown top-level keys: %v", extra)
	}
	for k := range allowedTopKeys {
		if _, ok := output[k]; !ok {
			return fail("missing top-level key: %s", k)
		}
	}

	if s, _ := output["schema_version"].(string); s != "ai_output_v1" {
		return fail("schema_version must be ai_output_v1")
	}
	if s, ok := output["model_id"].(string); !ok || s == "" {
		return fail("model_id must be non-empty string")
	}
	if s, ok := output["prompt_version"].(string); !ok || s == "" {
		return fail("prompt_version must be non-empty string")
	}
	if s, ok := output["generated_at_utc"].(string); !ok || !isISOUTC(s) {
		return fail("generated_at_utc must be ISO UTC string ending with Z")
	}

	ek, ok := output["event_key"].(map[string]any)
	if !ok {
		return fail("event_key must be object")
	}
	inpEvent, _ := input["event"].(map[string]any)
	for _, k := range []string{"issuer_cik", "owner_key", "accession_number"} {
		v, ok := ek[k].(string)
		if !ok || v == "" {
			return fail("event_key.%s must be non-empty string", k)
		}
		if inpEvent == nil || asString(inpEvent[k]) != v {
			return fail("event_key does not match input event identity")
		}
	}

	verdict, ok := output["verdict"].(map[string]any)
	if !ok {
		return fail("verdict must be object")
	}
	buySig, bok := verdict["buy_signal"]
	sellSig, sok := verdict["sell_signal"]
	if !bok || !sok {
		return fail("verdict must include buy_signal and sell_signal")
	}

	hasBuy := truthy(nestedGet(inpEvent, "buy", "has_buy"))
	hasSell := truthy(nestedGet(inpEvent, "sell", "has_sell"))

	if err := validateSignal(buySig, hasBuy, "buy"); err != nil {
		return err
	}
	if err := validateSignal(sellSig, hasSell, "sell"); err != nil {
		return err
	}

	narrative, ok := output["narrative"].(map[string]any)
	if !ok {
		return fail("narrative must be object")
	}
	for _, key := range []string{"thesis_bullets", "context_bullets", "counterpoints_bullets"} {
		list, ok := narrative[key].([]any)
		if !ok {
			return fail("narrative.%s must be array", key)
		}
		if len(list) > 5 {
			return fail("narrative.%s must have <= 5 items", key)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return fail("narrative.%s items must be strings", key)
			}
			if strings.Contains(s, "\n") {
				return fail("narrative.%s bullets must be single-line", key)
			}
			if len(s) > 160 {
				return fail("narrative.%s bullets must be <= 160 chars", key)
			}
		}
	}

	risksRaw, ok := output["risks"].([]any)
	if !ok {
		return fail("risks must be array")
	}
	if len(risksRaw) > 8 {
		return fail("risks must have <= 8 items")
	}
	var riskTexts []string
	for _, r := range risksRaw {
		rm, ok := r.(map[string]any)
		if !ok {
			return fail("risk must be object")
		}
		if s, ok := rm["risk_type"].(string); !ok || s == "" {
			return fail("risk.risk_type must be non-empty string")
		}
		sev, _ := rm["severity"].(string)
		if !allowedSeverity[sev] {
			return fail("risk.severity must be low/medium/high")
		}
		text, ok := rm["text"].(string)
		if !ok || text == "" {
			return fail("risk.text must be non-empty string")
		}
		if strings.Contains(text, "\n") {
			return fail("risk.text must be single-line")
		}
		riskTexts = append(riskTexts, text)
	}

	flags, ok := output["flags"].([]any)
	if !ok {
		return fail("flags must be array")
	}
	if len(flags) > 12 {
		return fail("flags must have <= 12 items")
	}
	for _, fl := range flags {
		if s, ok := fl.(string); !ok || s == "" {
			return fail("flags items must be non-empty strings")
		}
	}

	citationsRaw, ok := output["field_citations"].([]any)
	if !ok {
		return fail("field_citations must be array")
	}
	if len(citationsRaw) > 40 {
		return fail("field_citations must have <= 40 items")
	}
	claimSet := map[string]bool{}
	for _, c := range citationsRaw {
		cm, ok := c.(map[string]any)
		if !ok {
			return fail("field_citations item must be object")
		}
		claim, ok := cm["claim"].(string)
		if !ok || claim == "" {
			return fail("field_citations.claim must be non-empty string")
		}
		paths, ok := cm["input_paths"].([]any)
		if !ok || len(paths) == 0 {
			return fail("field_citations.input_paths must be non-empty array")
		}
		for _, p := range paths {
			ps, ok := p.(string)
			if !ok || !strings.HasPrefix(ps, "$.") {
				return fail("input_paths entries must be strings starting with '$.'")
			}
			if !jsonPathExists(input, ps) {
				return fail("input_paths references missing path in ai_input: %s", ps)
			}
		}
		claimSet[claim] = true
	}

	anyApplicable := statusOf(buySig) == "applicable" || statusOf(sellSig) == "applicable"
	hasBullets := len(narrative["thesis_bullets"].([]any)) > 0 ||
		len(narrative["context_bullets"].([]any)) > 0 ||
		len(narrative["counterpoints_bullets"].([]any)) > 0
	if (anyApplicable || len(risksRaw) > 0 || hasBullets) && len(citationsRaw) == 0 {
		return fail("field_citations must be non-empty when providing any analysis")
	}

	for _, rt := range riskTexts {
		if !claimSet[rt] {
			return fail("each risk.text must appear as a field_citations.claim")
		}
	}

	return validateBaselineDeltas(verdict, input)
}

func statusOf(sig any) string {
	m, _ := sig.(map[string]any)
	s, _ := m["status"].(string)
	return s
}

func validateSignal(sigAny any, expectedApplicable bool, sideName string) error {
	sig, ok := sigAny.(map[string]any)
	if !ok {
		return fail("%s_signal must be object", sideName)
	}
	for _, k := range []string{"status", "rating", "confidence", "horizon_days", "summary"} {
		if _, ok := sig[k]; !ok {
			return fail("%s_signal missing key %s", sideName, k)
		}
	}
	status, _ := sig["status"].(string)
	if !allowedStatus[status] {
		return fail("%s_signal.status must be applicable/not_applicable/insufficient_data", sideName)
	}
	if !expectedApplicable && status != "not_applicable" {
		return fail("%s_signal.status must be not_applicable when no %s activity", sideName, sideName)
	}
	if status != "applicable" {
		for _, k := range []string{"rating", "confidence", "horizon_days", "summary"} {
			if sig[k] != nil {
				return fail("%s_signal.%s must be null when status != applicable", sideName, k)
			}
		}
		return nil
	}

	rating, ok := asNumber(sig["rating"])
	if !ok {
		return fail("%s_signal.rating must be number", sideName)
	}
	if rating < 1.0 || rating > 10.0 {
		return fail("%s_signal.rating must be within [1.0,10.0]", sideName)
	}
	if !oneDecimal(rating) {
		return fail("%s_signal.rating must have 1 decimal place", sideName)
	}

	conf, ok := asNumber(sig["confidence"])
	if !ok {
		return fail("%s_signal.confidence must be number", sideName)
	}
	if conf < 0.0 || conf > 1.0 {
		return fail("%s_signal.confidence must be within [0,1]", sideName)
	}

	horizon, ok := asNumber(sig["horizon_days"])
	if !ok || !allowedHorizon[horizon] {
		return fail("%s_signal.horizon_days must be 60 or 180", sideName)
	}

	if s, ok := sig["summary"].(string); !ok || s == "" {
		return fail("%s_signal.summary must be non-empty string", sideName)
	}
	return nil
}

func validateBaselineDeltas(verdict map[string]any, input map[string]any) error {
	baseline, ok := input["baseline"].(map[string]any)
	if !ok {
		return nil
	}
	for _, side := range []string{"buy", "sell"} {
		base, ok1 := baseline[side].(map[string]any)
		sig, ok2 := verdict[side+"_signal"].(map[string]any)
		if !ok1 || !ok2 {
			continue
		}
		if statusOf(sig) != "applicable" {
			continue
		}
		br, brOK := asNumber(base["rating"])
		bc, bcOK := asNumber(base["confidence"])
		if !brOK || !bcOK {
			continue
		}
		r, rOK := asNumber(sig["rating"])
		c, cOK := asNumber(sig["confidence"])
		if rOK && absf(r-br) > MaxRatingDelta+1e-9 {
			return fail("%s_signal.rating deviates from baseline by > %v: rating=%v baseline=%v", side, MaxRatingDelta, r, br)
		}
		if cOK && absf(c-bc) > MaxConfDelta+1e-9 {
			return fail("%s_signal.confidence deviates from baseline by > %v: confidence=%v baseline=%v", side, MaxConfDelta, c, bc)
		}
	}
	return nil
}

func isISOUTC(s string) bool {
	return strings.HasSuffix(s, "Z") && strings.Contains(s, "T")
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func oneDecimal(x float64) bool {
	rounded := float64(int(x*10+0.5)) / 10
	return absf(rounded-x) < 1e-9
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	default:
		return false
	}
}

func nestedGet(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		cm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = cm[k]
	}
	return cur
}

// jsonPathExists checks a simplified JSONPath like $.a.b[0].c against
// obj, mirroring the dotted/bracket path syntax the model is taught to
// cite with.
func jsonPathExists(obj map[string]any, path string) bool {
	p := strings.TrimSpace(path)
	if p == "$" {
		return true
	}
	if !strings.HasPrefix(p, "$") {
		return false
	}
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")

	var cur any = obj
	i := 0
	for i < len(p) {
		if p[i] == '.' {
			i++
			continue
		}
		if p[i] == '[' {
			j := strings.IndexByte(p[i:], ']')
			if j == -1 {
				return false
			}
			j += i
			idxStr := strings.TrimSpace(p[i+1 : j])
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return false
			}
			list, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(list) {
				return false
			}
			cur = list[idx]
			i = j + 1
			continue
		}
		j := i
		for j < len(p) && p[j] != '.' && p[j] != '[' {
			j++
		}
		key := strings.TrimSpace(p[i:j])
		if key == "" {
			return false
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		v, exists := m[key]
		if !exists {
			return false
		}
		cur = v
		i = j
	}
	return true
}

// NowUTC formats the current instant the way generated_at_utc expects
// it: ISO 8601 with a trailing Z.
func NowUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
