package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/insiderwatch/pipeline/internal/events"
	"github.com/insiderwatch/pipeline/internal/queue"
)

// Handler runs one claimed job against Deps and reports what happened.
// A handler never calls queue.Mark* itself; the runtime does that
// uniformly so every job type gets the same logging/eventing wrapper.
type Handler func(ctx context.Context, deps *Deps, job *queue.Job) Outcome

// Runtime polls the queue for a fixed set of job types and dispatches
// each claimed job to its registered Handler.
type Runtime struct {
	deps        *Deps
	role        string
	jobTypes    []string
	handlers    map[string]Handler
	pollBackoff time.Duration
	log         zerolog.Logger
}

// New builds a Runtime for one role. jobTypes is normally
// queue.RoleIO or queue.RoleCompute; handlers not present in jobTypes
// are simply never dispatched to by this runtime instance.
func New(deps *Deps, role string, jobTypes []string, handlers map[string]Handler, pollBackoff time.Duration, log zerolog.Logger) *Runtime {
	if pollBackoff <= 0 {
		pollBackoff = 5 * time.Second
	}
	return &Runtime{
		deps:        deps,
		role:        role,
		jobTypes:    jobTypes,
		handlers:    handlers,
		pollBackoff: pollBackoff,
		log:         log.With().Str("component", "worker").Str("role", role).Logger(),
	}
}

// Run blocks, claiming and executing jobs until ctx is canceled. A
// poll that finds no eligible job sleeps pollBackoff before trying
// again; a poll that finds one loops immediately to pick up the next
// one without waiting out the idle backoff.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := queue.ClaimNext(ctx, r.deps.DB, r.jobTypes)
		if err != nil {
			r.log.Error().Err(err).Msg("claim failed")
			if !sleepCtx(ctx, r.pollBackoff) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, r.pollBackoff) {
				return
			}
			continue
		}

		r.runOne(ctx, job)
	}
}

func (r *Runtime) runOne(ctx context.Context, job *queue.Job) {
	jlog := r.log.With().Int64("job_id", job.JobID).Str("job_type", job.JobType).Logger()

	r.deps.Events.Emit(events.JobStarted, job.JobType, &events.JobStatusData{
		JobID: job.JobID, JobType: job.JobType, DedupeKey: job.DedupeKey, Status: "started", Timestamp: time.Now(),
	})

	handler, ok := r.handlers[job.JobType]
	if !ok {
		jlog.Error().Msg("no handler registered for job type")
		_ = queue.MarkError(ctx, r.deps.DB, job.JobID, "no handler registered for job type "+job.JobType, 0)
		return
	}

	start := time.Now()
	outcome := runHandler(ctx, handler, r.deps, job, jlog)
	duration := time.Since(start)

	switch outcome.kind {
	case kindSuccess:
		if err := queue.MarkSuccess(ctx, r.deps.DB, job.JobID); err != nil {
			jlog.Error().Err(err).Msg("mark success failed")
			return
		}
		jlog.Info().Dur("duration", duration).Msg("job succeeded")
		r.deps.Events.Emit(events.JobCompleted, job.JobType, &events.JobStatusData{
			JobID: job.JobID, JobType: job.JobType, DedupeKey: job.DedupeKey, Status: "completed",
			DurationMS: duration.Milliseconds(), Timestamp: time.Now(),
		})

	case kindDeferred:
		if err := queue.MarkDeferred(ctx, r.deps.DB, job.JobID, outcome.reason, outcome.retryAfter); err != nil {
			jlog.Error().Err(err).Msg("mark deferred failed")
			return
		}
		jlog.Info().Str("reason", outcome.reason).Msg("job deferred")
		r.deps.Events.Emit(events.JobDeferred, job.JobType, &events.JobStatusData{
			JobID: job.JobID, JobType: job.JobType, DedupeKey: job.DedupeKey, Status: "deferred",
			Error: outcome.reason, Timestamp: time.Now(),
		})

	case kindError:
		msg := ""
		if outcome.err != nil {
			msg = outcome.err.Error()
		}
		if err := queue.MarkError(ctx, r.deps.DB, job.JobID, msg, outcome.retryAfter); err != nil {
			jlog.Error().Err(err).Msg("mark error failed")
			return
		}
		jlog.Warn().Err(outcome.err).Int("attempts", job.Attempts+1).Msg("job failed")
		r.deps.Events.Emit(events.JobFailed, job.JobType, &events.JobStatusData{
			JobID: job.JobID, JobType: job.JobType, DedupeKey: job.DedupeKey, Status: "failed",
			Error: msg, Attempts: job.Attempts + 1, Timestamp: time.Now(),
		})
	}
}

// runHandler recovers a handler panic into an Error outcome so one bad
// job can never take the whole runtime down.
func runHandler(ctx context.Context, h Handler, deps *Deps, job *queue.Job, jlog zerolog.Logger) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			jlog.Error().Interface("panic", rec).Msg("handler panicked")
			outcome = Error(panicError{rec}, 0)
		}
	}()
	return h(ctx, deps, job)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "worker: handler panic" }

// sleepCtx sleeps d or returns early (false) if ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// payloadString reads a string field out of a job payload map,
// returning "" when absent or of the wrong type.
func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// payloadBool reads a bool field out of a job payload map, defaulting
// to false.
func payloadBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	v, ok := payload[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// payloadInt reads a numeric field out of a job payload map. JSON
// numbers decode as float64, so that's the only case handled besides
// a literal int.
func payloadInt(payload map[string]any, key string, def int) int {
	if payload == nil {
		return def
	}
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
