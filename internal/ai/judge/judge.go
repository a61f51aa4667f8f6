// Package judge orchestrates AI judging for one insider event: build
// the ai_input document from persisted computed fields, call Gemini,
// validate its output against the ai_output_v1 contract, and persist
// the result.
package judge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/insiderwatch/pipeline/internal/ai/gemini"
	"github.com/insiderwatch/pipeline/internal/ai/prompt"
	"github.com/insiderwatch/pipeline/internal/ai/schema"
	"github.com/insiderwatch/pipeline/internal/pipeline"
)

// Config carries the judging knobs sourced from process configuration.
type Config struct {
	GeminiAPIKey          string
	GeminiBaseURL         string
	GeminiModel           string
	AITemperature         float64
	AIMaxTokens           int
	PromptVersion         string
	AIInputSchemaVersion  string
	AIOutputSchemaVersion string
	BenchmarkSymbol       string
}

// Clock lets tests control "now" without importing time directly into
// every call site.
type Clock func() time.Time

// Run builds the ai_input document for key, calls Gemini, validates
// the result, and persists it. A result with an identical inputs hash
// and prompt version already on file is skipped unless force is set.
func Run(ctx context.Context, db *sql.DB, client *gemini.Client, cfg Config, key pipeline.EventKey, force bool, now Clock) error {
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("judge: GEMINI_API_KEY is not set")
	}
	if now == nil {
		now = time.Now
	}

	aiInput, err := buildAIInput(ctx, db, cfg, key, now)
	if err != nil {
		return err
	}

	inputsHash, err := hashInput(aiInput)
	if err != nil {
		return err
	}

	if !force {
		var existing int64
		err := db.QueryRowContext(ctx, `
			SELECT ai_output_id FROM ai_outputs
			WHERE issuer_cik=? AND owner_key=? AND accession_number=?
			  AND inputs_hash=? AND prompt_version=?
			ORDER BY ai_output_id DESC LIMIT 1`,
			key.IssuerCIK, key.OwnerKey, key.AccessionNumber, inputsHash, cfg.PromptVersion,
		).Scan(&existing)
		if err == nil {
			return nil // already judged against this exact input
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("judge: check existing output: %w", err)
		}
	}

	promptText, err := prompt.Build(aiInput)
	if err != nil {
		return err
	}

	rawText, err := client.GenerateContent(ctx, promptText)
	if err != nil {
		return fmt.Errorf("judge: gemini call failed: %w", err)
	}

	output, err := parseAndValidate(rawText, aiInput)
	if err != nil {
		repaired, repairErr := repairWithModel(ctx, client, cfg, aiInput, rawText, err.Error())
		if repairErr != nil {
			return fmt.Errorf("judge: output invalid and repair failed: %w (original: %v)", repairErr, err)
		}
		output, err = parseAndValidate(repaired, aiInput)
		if err != nil {
			return fmt.Errorf("judge: repaired output still invalid: %w", err)
		}
		rawText = repaired
	}

	return persist(ctx, db, cfg, key, aiInput, output, inputsHash, rawText, now)
}

func parseAndValidate(rawText string, aiInput map[string]any) (map[string]any, error) {
	output, err := schema.ExtractJSONObject(rawText)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(output, aiInput); err != nil {
		return nil, err
	}
	return output, nil
}

func repairWithModel(ctx context.Context, client *gemini.Client, cfg Config, aiInput map[string]any, rawText, errMsg string) (string, error) {
	inputJSON, err := json.Marshal(aiInput)
	if err != nil {
		return "", err
	}
	repairPrompt := "You are repairing an LLM output to match a strict JSON schema.\n" +
		"Return ONLY a single JSON object (no markdown, no prose).\n\n" +
		"Target schema: ai_output_v1.\n" +
		"Hard rules:\n" +
		"- schema_version must be \"ai_output_v1\"\n" +
		"- event_key must exactly match the input event identity\n" +
		"- If event.buy.has_buy is false, verdict.buy_signal.status must be \"not_applicable\" with all other fields null\n" +
		"- If event.sell.has_sell is false, verdict.sell_signal.status must be \"not_applicable\" with all other fields null\n" +
		"- If status is \"applicable\": rating 1.0-10.0 with one decimal; confidence 0-1; horizon_days 60 or 180; summary non-empty\n" +
		"- field_citations.input_paths must reference real paths in ai_input\n" +
		"- each risks[].text must appear verbatim as a field_citations[].claim\n" +
		"- rating/confidence must stay close to ai_input.baseline\n\n" +
		"Validation errors to fix:\n" + errMsg + "\n\n" +
		"ai_input (for citations):\n" + string(inputJSON) + "\n\n" +
		"Previous (invalid) output:\n" + rawText + "\n\n" +
		"Return corrected JSON now."
	return client.GenerateContent(ctx, repairPrompt)
}

func hashInput(aiInput map[string]any) (string, error) {
	canon := map[string]any{}
	for k, v := range aiInput {
		canon[k] = v
	}
	delete(canon, "asof_utc")
	if dq, ok := canon["data_quality"].(map[string]any); ok {
		dqCopy := map[string]any{}
		for k, v := range dq {
			dqCopy[k] = v
		}
		delete(dqCopy, "market_cap_staleness_days")
		canon["data_quality"] = dqCopy
	}
	payload, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	return pipeline.SHA256Hex(string(payload)), nil
}

func persist(ctx context.Context, db *sql.DB, cfg Config, key pipeline.EventKey, aiInput, output map[string]any, inputsHash, rawText string, now Clock) error {
	_ = rawText

	verdict, _ := output["verdict"].(map[string]any)
	buySignal, _ := verdict["buy_signal"].(map[string]any)
	sellSignal, _ := verdict["sell_signal"].(map[string]any)

	buyRating := numberOrNil(buySignal["rating"])
	sellRating := numberOrNil(sellSignal["rating"])
	confBuy, confBuyOK := buySignal["confidence"].(float64)
	confSell, confSellOK := sellSignal["confidence"].(float64)

	var conf sql.NullFloat64
	switch {
	case confBuyOK && confSellOK:
		conf = sql.NullFloat64{Valid: true, Float64: maxFloat(confBuy, confSell)}
	case confBuyOK:
		conf = sql.NullFloat64{Valid: true, Float64: confBuy}
	case confSellOK:
		conf = sql.NullFloat64{Valid: true, Float64: confSell}
	}

	generatedAt, _ := output["generated_at_utc"].(string)

	inputJSON, err := json.Marshal(aiInput)
	if err != nil {
		return err
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO ai_outputs (
			issuer_cik, owner_key, accession_number,
			model_id, prompt_version,
			input_schema_version, output_schema_version,
			inputs_hash, buy_rating, sell_rating, confidence,
			input_json, output_json, generated_at, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
		cfg.GeminiModel, cfg.PromptVersion,
		cfg.AIInputSchemaVersion, cfg.AIOutputSchemaVersion,
		inputsHash, buyRating, sellRating, conf,
		string(inputJSON), string(outputJSON), nullableStr(generatedAt), now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("judge: insert ai_outputs: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE insider_events
		SET ai_buy_rating=?, ai_sell_rating=?, ai_confidence=?,
		    ai_model_id=?, ai_prompt_version=?, ai_generated_at=?, ai_computed_at=?
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		buyRating, sellRating, conf,
		cfg.GeminiModel, cfg.PromptVersion, nullableStr(generatedAt), now().UTC().Format(time.RFC3339),
		key.IssuerCIK, key.OwnerKey, key.AccessionNumber,
	)
	if err != nil {
		return fmt.Errorf("judge: denormalize onto insider_events: %w", err)
	}
	return nil
}

func numberOrNil(v any) sql.NullFloat64 {
	f, ok := v.(float64)
	if !ok {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Valid: true, Float64: f}
}

func nullableStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: s}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeFootnote(s string) string {
	s = strings.TrimSpace(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	if len(s) > 400 {
		s = s[:397] + "..."
	}
	return s
}
