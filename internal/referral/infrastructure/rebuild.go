package infrastructure

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/carelink-ng/referral/internal/referral/domain"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// Rebuilder regenerates the case view from the event log. Running it twice
// leaves the view unchanged.
type Rebuilder struct {
	log    domain.EventLog
	view   domain.CaseView
	policy domain.DeadlinePolicy
	logger zerolog.Logger
}

// NewRebuilder creates a view rebuilder.
func NewRebuilder(log domain.EventLog, view domain.CaseView, policy domain.DeadlinePolicy, logger zerolog.Logger) *Rebuilder {
	return &Rebuilder{
		log:    log,
		view:   view,
		policy: policy,
		logger: logger.With().Str("component", "rebuilder").Logger(),
	}
}

// RebuildResult counts the cases processed by Rebuild.
type RebuildResult struct {
	Cases  int `json:"cases"`
	Failed int `json:"failed"`
}

// Rebuild replays every case in the log into the view. A case that fails to
// replay is logged and skipped.
func (r *Rebuilder) Rebuild(ctx context.Context) (RebuildResult, error) {
	ids, err := r.log.CaseIDs(ctx)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("failed to list cases: %w", err)
	}

	var result RebuildResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := r.RebuildCase(ctx, id); err != nil {
			result.Failed++
			r.logger.Error().Err(err).Str("case_id", id.String()).Msg("failed to rebuild case")
			continue
		}
		result.Cases++
	}

	r.logger.Info().Int("cases", result.Cases).Int("failed", result.Failed).Msg("case view rebuilt")
	return result, nil
}

// RebuildCase replays one case into the view.
func (r *Rebuilder) RebuildCase(ctx context.Context, caseID types.ID) error {
	events, err := r.log.Load(ctx, caseID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	c, err := domain.Replay(events, r.policy)
	if err != nil {
		return fmt.Errorf("failed to replay case %s: %w", caseID, err)
	}
	return r.view.Upsert(ctx, c)
}
