package worker

import (
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/insiderwatch/pipeline/internal/ai/gemini"
	"github.com/insiderwatch/pipeline/internal/ai/judge"
	"github.com/insiderwatch/pipeline/internal/aggregator"
	"github.com/insiderwatch/pipeline/internal/archive"
	"github.com/insiderwatch/pipeline/internal/clusters"
	"github.com/insiderwatch/pipeline/internal/events"
	"github.com/insiderwatch/pipeline/internal/external"
	"github.com/insiderwatch/pipeline/internal/ingest"
	"github.com/insiderwatch/pipeline/internal/outcomes"
	"github.com/insiderwatch/pipeline/internal/secgateway"
	"github.com/insiderwatch/pipeline/internal/stats"
)

// Deps bundles every handler's dependencies in one place so Runtime
// and cmd/worker only need to wire this struct once.
type Deps struct {
	DB *sql.DB

	SEC     *secgateway.Client
	EODHD   *external.Client
	Gemini  *gemini.Client
	Archive *archive.Client // nil when S3 archiving is disabled

	Events *events.Manager
	Log    zerolog.Logger

	Ingest     ingest.Config
	Aggregator aggregator.Config
	Outcomes   outcomes.Config
	Stats      stats.Config
	Clusters   clusters.Config
	Judge      judge.Config
	External   external.Config

	// TrendVersion stamps the dedupe key for COMPUTE_TREND_FOR_EVENT;
	// the trend engine itself has no version column to write.
	TrendVersion int

	BenchmarkSymbol string
	AIPromptVersion string

	// BackfillStartYear/BackfillBatchSize seed BACKFILL_DISCOVER_ISSUER
	// and BACKFILL_ENQUEUE_BATCH jobs whose payload omits them.
	BackfillStartYear int
	BackfillBatchSize int
}
