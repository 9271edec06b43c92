// Package matching ranks registry candidates for a case and picks one.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/metrics"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// Request describes what a case needs from a receiving provider.
type Request struct {
	ServiceType types.Tag
	Tags        []types.Tag
	Language    types.LanguageCode
	Emergency   bool
	// Excluding lists providers that declined or timed out on the case.
	Excluding []types.ProviderID
	// Relaxed drops the language filter and the daily capacity ceiling.
	Relaxed bool
	At      time.Time
}

// Required returns the service type plus the case tags.
func (r Request) Required() []types.Tag {
	return types.TagSet(append([]types.Tag{r.ServiceType}, r.Tags...)...)
}

// Engine selects providers. It is deterministic for identical registry
// contents, load counts and requests.
type Engine struct {
	reg    registry.Registry
	loads  LoadTracker
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewEngine creates a matching engine
func NewEngine(reg registry.Registry, loads LoadTracker, logger zerolog.Logger) *Engine {
	return &Engine{
		reg:    reg,
		loads:  loads,
		logger: logger.With().Str("component", "matching").Logger(),
		tracer: otel.Tracer("github.com/carelink-ng/referral/internal/matching"),
	}
}

// Match returns the best eligible provider, or nil when every candidate is
// excluded, full, or absent. A nil provider is not an error.
func (e *Engine) Match(ctx context.Context, req Request) (*registry.Provider, error) {
	ctx, span := e.tracer.Start(ctx, "matching.Match", trace.WithAttributes(
		attribute.String("service_type", string(req.ServiceType)),
		attribute.Bool("relaxed", req.Relaxed),
		attribute.Int("excluded", len(req.Excluding)),
	))
	defer span.End()

	start := time.Now()
	outcome := "none"
	defer func() {
		metrics.RecordMatching(outcome, time.Since(start))
	}()

	q := registry.CandidateQuery{
		ServiceType: req.ServiceType,
		Emergency:   req.Emergency,
		At:          req.At,
	}
	if !req.Relaxed {
		q.Language = req.Language
	}

	candidates, err := e.reg.FindCandidates(ctx, q)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		return nil, fmt.Errorf("failed to find candidates: %w", err)
	}

	candidates = withoutExcluded(candidates, req.Excluding)
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]types.ProviderID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	loads, err := e.loads.Load(ctx, ids, req.At)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read provider load: %w", err)
	}

	ranked := Rank(candidates, req, loads)
	if len(ranked) == 0 {
		e.logger.Debug().
			Str("service_type", string(req.ServiceType)).
			Int("candidates", len(candidates)).
			Msg("all candidates at capacity")
		return nil, nil
	}

	outcome = "matched"
	best := ranked[0]
	span.SetAttributes(attribute.String("provider_id", best.ID.String()))
	return &best, nil
}

// RecordAssignment counts a new assignment against the provider's
// same-day load.
func (e *Engine) RecordAssignment(ctx context.Context, provider types.ProviderID, at time.Time) error {
	return e.loads.Increment(ctx, provider, at)
}

func withoutExcluded(candidates []registry.Provider, excluded []types.ProviderID) []registry.Provider {
	if len(excluded) == 0 {
		return candidates
	}
	out := candidates[:0:0]
	for _, c := range candidates {
		if !types.ContainsProvider(excluded, c.ID) {
			out = append(out, c)
		}
	}
	return out
}
