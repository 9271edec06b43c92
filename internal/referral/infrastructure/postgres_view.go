package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink-ng/referral/internal/referral/domain"
	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/metrics"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// PostgresView is the materialized case table. Columns used for filtering
// are denormalized; the full case lives in the document column.
type PostgresView struct {
	pool *pgxpool.Pool
}

// NewPostgresView creates a new Postgres-backed case view
func NewPostgresView(pool *pgxpool.Pool) *PostgresView {
	return &PostgresView{pool: pool}
}

// Upsert writes c unless the stored row has a higher version. Writing the
// same version again is allowed so rebuilds can repair a row.
func (v *PostgresView) Upsert(ctx context.Context, c *domain.Case) error {
	defer observe("case_upsert", time.Now())

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal case: %w", err)
	}

	var toProvider *string
	if c.ToProviderID != nil {
		s := c.ToProviderID.String()
		toProvider = &s
	}

	query := `
		INSERT INTO referral.cases (
			id, client_id, from_provider_id, to_provider_id, service_type, urgency, state,
			manual_dispatch, escalation_rounds, created_at, last_transition_at, deadline_at,
			version, document
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			to_provider_id = EXCLUDED.to_provider_id,
			state = EXCLUDED.state,
			manual_dispatch = EXCLUDED.manual_dispatch,
			escalation_rounds = EXCLUDED.escalation_rounds,
			last_transition_at = EXCLUDED.last_transition_at,
			deadline_at = EXCLUDED.deadline_at,
			version = EXCLUDED.version,
			document = EXCLUDED.document
		WHERE referral.cases.version <= EXCLUDED.version`

	_, err = v.pool.Exec(ctx, query,
		c.ID, c.ClientID, c.FromProviderID.String(), toProvider, string(c.ServiceType),
		string(c.Urgency), string(c.State), c.ManualDispatch, c.EscalationRounds,
		c.CreatedAt, c.LastTransitionAt, c.DeadlineAt, c.Version, doc,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to upsert case view")
	}
	return nil
}

func (v *PostgresView) Get(ctx context.Context, caseID types.ID) (*domain.Case, error) {
	defer observe("case_get", time.Now())

	var doc []byte
	err := v.pool.QueryRow(ctx, `SELECT document FROM referral.cases WHERE id = $1`, caseID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("case", caseID.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get case")
	}
	return decodeCase(doc)
}

func (v *PostgresView) ListForProvider(ctx context.Context, providerID types.ProviderID, filter domain.ListFilter) ([]domain.Case, error) {
	defer observe("case_list_provider", time.Now())

	conditions := []string{"(from_provider_id = $1 OR to_provider_id = $1)"}
	args := []any{providerID.String()}
	argNum := 2

	if filter.State != nil {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argNum))
		args = append(args, string(*filter.State))
		argNum++
	}

	query := fmt.Sprintf(`SELECT document FROM referral.cases WHERE %s ORDER BY created_at DESC, id`,
		strings.Join(conditions, " AND "))

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	return v.queryCases(ctx, query, args...)
}

func (v *PostgresView) ListWithDeadline(ctx context.Context) ([]domain.Case, error) {
	defer observe("case_list_deadline", time.Now())

	query := `
		SELECT document FROM referral.cases
		WHERE deadline_at IS NOT NULL AND state NOT IN ('completed', 'cancelled')
		ORDER BY deadline_at`
	return v.queryCases(ctx, query)
}

func (v *PostgresView) OpenEmergencies(ctx context.Context, clientID string) ([]types.ID, error) {
	defer observe("case_open_emergencies", time.Now())

	query := `
		SELECT id FROM referral.cases
		WHERE client_id = $1 AND urgency = 'emergency' AND state NOT IN ('completed', 'cancelled')
		ORDER BY created_at`

	rows, err := v.pool.Query(ctx, query, clientID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query open emergencies")
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan case id")
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

func (v *PostgresView) queryCases(ctx context.Context, query string, args ...any) ([]domain.Case, error) {
	rows, err := v.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query cases")
	}
	defer rows.Close()

	cases := []domain.Case{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan case")
		}
		c, err := decodeCase(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode case document: %w", err)
		}
		cases = append(cases, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate cases")
	}
	return cases, nil
}

func observe(operation string, start time.Time) {
	metrics.RecordDBQuery(operation, time.Since(start))
}
