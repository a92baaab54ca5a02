package run

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/budget"
	"github.com/meridian-research/meridian/internal/cache"
	"github.com/meridian-research/meridian/internal/gap"
	"github.com/meridian-research/meridian/internal/metrics"
	"github.com/meridian-research/meridian/internal/models"
	"github.com/meridian-research/meridian/internal/query"
	"github.com/meridian-research/meridian/internal/search"
	"github.com/meridian-research/meridian/internal/streaming"
	"github.com/meridian-research/meridian/internal/tracing"
)

// Deps are the sequencer's collaborators. The shared pieces (cache,
// engine registry, stream manager) are injected; everything per-run is
// created inside Execute.
type Deps struct {
	Processor  *query.Processor
	Cache      *cache.Cache
	Engine     *search.Engine
	Controller *gap.Controller
	Verifier   *Verifier
	Writer     Writer
	Editor     Editor
	Citer      Citer
	Publisher  Publisher
	Stream     *streaming.Manager
	Logger     *zap.Logger
}

// Sequencer drives research runs through the stage machine. One
// sequencer serves all runs; Execute is safe to call concurrently.
type Sequencer struct {
	deps Deps
}

// NewSequencer wires a sequencer from its collaborators.
func NewSequencer(deps Deps) *Sequencer {
	return &Sequencer{deps: deps}
}

// Execute runs one research request to a terminal state. It always
// returns a result; failures are expressed as Status failed with a
// typed reason, with any accumulated working set preserved.
func (s *Sequencer) Execute(ctx context.Context, runID, rawQuery string, b models.Budget) *models.RunResult {
	start := time.Now()
	logger := s.deps.Logger.With(zap.String("run_id", runID), zap.String("mode", b.Mode))
	metrics.RunsStarted.WithLabelValues(b.Mode, b.Tier).Inc()

	ctx, span := tracing.StartSpan(ctx, "run.execute")
	defer span.End()

	if b.MaxWallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.MaxWallTime)
		defer cancel()
	}
	tracker := budget.NewTracker(b)

	result := &models.RunResult{
		RunID: runID,
		Metadata: models.RunMetadata{
			Query: rawQuery,
			Mode:  b.Mode,
			Tier:  b.Tier,
		},
	}

	emit := func(stage Stage, message string, terminal bool) {
		s.deps.Stream.Publish(runID, streaming.Event{
			RunID:     runID,
			Stage:     string(stage),
			Message:   message,
			Timestamp: time.Now(),
			Terminal:  terminal,
		})
	}

	finish := func(status string, reason FailReason, ws *models.WorkingSet) *models.RunResult {
		result.Status = status
		result.FailReason = string(reason)
		result.WorkingSet = ws
		result.Metadata.Iterations = tracker.Iterations()
		result.Metadata.Elapsed = time.Since(start)
		if ws != nil {
			result.Metadata.SourceCount = len(ws.Records)
		}
		metrics.RunsCompleted.WithLabelValues(b.Mode, status).Inc()
		metrics.RunDuration.WithLabelValues(b.Mode).Observe(time.Since(start).Seconds())
		metrics.RunIterations.Observe(float64(tracker.Iterations()))
		if status == models.StatusFailed {
			emit(StageFailed, string(reason), true)
			logger.Warn("Run failed", zap.String("reason", string(reason)))
		} else {
			emit(StagePublished, "", true)
			logger.Info("Run finished",
				zap.String("status", status),
				zap.Int("sources", result.Metadata.SourceCount),
				zap.Duration("elapsed", result.Metadata.Elapsed),
			)
		}
		return result
	}

	// A cache hit skips the fan-out entirely.
	if hit, err := s.deps.Cache.Lookup(ctx, rawQuery, b.Mode); err == nil && hit != nil {
		ws := &models.WorkingSet{Records: hit.Entry.Results.Records, Coverage: map[string]models.Coverage{}}
		result.Facts = hit.Entry.Results.Facts
		result.Report = hit.Entry.Results.Report
		result.Metadata.FromCache = true
		if hit.Similar {
			result.Metadata.CacheScore = hit.Similarity
		}
		logger.Info("Run served from cache",
			zap.Bool("similar", hit.Similar),
			zap.Float64("similarity", hit.Similarity),
		)
		return finish(models.StatusSufficient, ReasonNone, ws)
	}

	// EXPANDING
	emit(StageExpanding, "", false)
	q, err := s.deps.Processor.Process(ctx, rawQuery)
	if err != nil {
		return finish(models.StatusFailed, ReasonInvalidQuery, nil)
	}

	// SEARCHING loop, driven by the gap controller.
	ws := models.NewWorkingSet()
	session := s.deps.Engine.NewSession()
	queries := q.Variants
	var decision gap.Decision
	for tracker.BeginIteration() {
		emit(StageSearching, fmt.Sprintf("iteration %d", tracker.Iterations()), false)

		records, err := session.Search(ctx, queries, b.Tier)
		if err != nil && ctx.Err() != nil {
			ws.Partial = true
			return finish(models.StatusFailed, timeoutReason(ctx), ws)
		}
		s.deps.Controller.Absorb(ws, records, q.SubTopics, tracker)

		decision = s.deps.Controller.Evaluate(ws, q, tracker)
		if decision.State == gap.StateNeedsMore {
			queries = []string{decision.RefinedQuery}
			continue
		}
		break
	}

	if len(ws.Records) == 0 {
		return finish(models.StatusFailed, ReasonNoSources, ws)
	}
	if ctx.Err() != nil {
		ws.Partial = true
		return finish(models.StatusFailed, timeoutReason(ctx), ws)
	}

	// VERIFYING; an uncovered sub-topic may buy one extra search round.
	emit(StageVerifying, "", false)
	facts, uncovered := s.deps.Verifier.Verify(ctx, q, ws, b.PremiumFeatures)
	if uncovered && ctx.Err() == nil && tracker.BeginIteration() {
		emit(StageSearching, "verification requested another round", false)
		refined := decision.RefinedQuery
		if refined == "" {
			refined = q.Normalized
		}
		if records, err := session.Search(ctx, []string{refined}, b.Tier); err == nil {
			s.deps.Controller.Absorb(ws, records, q.SubTopics, tracker)
			s.deps.Controller.Evaluate(ws, q, tracker)
		}
		emit(StageVerifying, "", false)
		facts, _ = s.deps.Verifier.Verify(ctx, q, ws, b.PremiumFeatures)
	}
	result.Facts = facts

	// FINALIZING: hand off to the writing collaborator.
	emit(StageFinalizing, "", false)
	report, err := s.deps.Writer.Write(ctx, q, ws, facts)
	if err != nil {
		logger.Warn("Writer failed, delivering working set without report", zap.Error(err))
		report = ""
	}
	report = applyWordLimit(report, b.MaxWords, b.PremiumFeatures)

	// EDITING is premium-gated; only the sequencer consults the budget
	// for that decision.
	if b.PremiumFeatures && report != "" {
		emit(StageEditing, "", false)
		if edited, err := s.deps.Editor.Edit(ctx, report); err == nil {
			report = edited
		}
	}

	// CITING
	emit(StageCiting, "", false)
	if cited, err := s.deps.Citer.Cite(ctx, report, ws); err == nil {
		report = cited
	}
	result.Report = report

	status := models.StatusSufficient
	if ws.Partial {
		status = models.StatusPartial
	}

	if err := s.deps.Publisher.Publish(ctx, runID, report, result); err != nil {
		logger.Error("Publish failed", zap.Error(err))
		return finish(models.StatusFailed, ReasonPublishFailed, ws)
	}

	// Only full results are worth replaying to similar queries.
	if status == models.StatusSufficient {
		if err := s.deps.Cache.Store(ctx, rawQuery, b.Mode, cache.ResultSet{
			Records: ws.Records,
			Facts:   facts,
			Report:  report,
		}); err != nil {
			logger.Warn("Cache population failed", zap.Error(err))
		}
	}

	return finish(status, ReasonNone, ws)
}

func timeoutReason(ctx context.Context) FailReason {
	if ctx.Err() == context.Canceled {
		return ReasonCanceled
	}
	return ReasonTimeout
}

// applyWordLimit truncates the report to the budgeted word count. Free
// tiers see an upgrade notice where the cut happened.
func applyWordLimit(report string, maxWords int, premium bool) string {
	if maxWords <= 0 || report == "" {
		return report
	}
	words := strings.Fields(report)
	if len(words) <= maxWords {
		return report
	}
	truncated := strings.Join(words[:maxWords], " ")
	if premium {
		return truncated
	}
	return truncated + "\n\n---\n\n*[Report truncated due to word limit. Upgrade to Premium for full reports.]*"
}
