package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// PostgresRegistry stores providers in referral.providers.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry creates a Postgres-backed registry
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

const providerColumns = `id, name, category, specializations, languages, capacity_per_day,
	operating_window, verified, active, rating`

func (r *PostgresRegistry) FindCandidates(ctx context.Context, q CandidateQuery) ([]Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM referral.providers
		WHERE verified AND active
			AND $1 = ANY(specializations)
			AND ($2 = '' OR $2 = ANY(languages))
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query, string(q.ServiceType), string(q.Language))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query candidates")
	}
	providers, err := scanProviders(rows)
	if err != nil {
		return nil, err
	}

	return filterCandidates(providers, q), nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id types.ProviderID) (*Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM referral.providers WHERE id = $1`

	p, err := scanProvider(r.pool.QueryRow(ctx, query, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("provider", id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get provider")
	}
	return p, nil
}

func (r *PostgresRegistry) List(ctx context.Context, filter ListFilter) ([]Provider, error) {
	var conditions []string
	var args []any
	argNum := 1

	if filter.Category != nil {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argNum))
		args = append(args, string(*filter.Category))
		argNum++
	}

	if filter.ServiceType != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(specializations)", argNum))
		args = append(args, string(filter.ServiceType))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM referral.providers %s ORDER BY id`, providerColumns, whereClause)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list providers")
	}
	return scanProviders(rows)
}

func (r *PostgresRegistry) Upsert(ctx context.Context, p Provider) error {
	if err := validateProvider(&p); err != nil {
		return err
	}
	window, err := json.Marshal(p.OperatingWindow)
	if err != nil {
		return fmt.Errorf("failed to marshal operating window: %w", err)
	}

	query := `
		INSERT INTO referral.providers (
			id, name, category, specializations, languages, capacity_per_day,
			operating_window, verified, active, rating
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			specializations = EXCLUDED.specializations,
			languages = EXCLUDED.languages,
			capacity_per_day = EXCLUDED.capacity_per_day,
			operating_window = EXCLUDED.operating_window,
			verified = EXCLUDED.verified,
			active = EXCLUDED.active,
			rating = EXCLUDED.rating,
			updated_at = NOW()`

	_, err = r.pool.Exec(ctx, query,
		p.ID.String(), p.Name, string(p.Category), tagStrings(p.Specializations), languageStrings(p.Languages),
		p.CapacityPerDay, window, p.Verified, p.Active, p.Rating,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to upsert provider")
	}
	return nil
}

func scanProviders(rows pgx.Rows) ([]Provider, error) {
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan provider")
		}
		providers = append(providers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate providers")
	}
	return providers, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var (
		p         Provider
		id        string
		category  string
		specs     []string
		languages []string
		window    []byte
	)
	err := row.Scan(&id, &p.Name, &category, &specs, &languages, &p.CapacityPerDay,
		&window, &p.Verified, &p.Active, &p.Rating)
	if err != nil {
		return nil, err
	}

	p.ID = types.ProviderID(id)
	p.Category = Category(category)
	for _, s := range specs {
		p.Specializations = append(p.Specializations, types.Tag(s))
	}
	for _, l := range languages {
		p.Languages = append(p.Languages, types.LanguageCode(l))
	}
	if len(window) > 0 {
		if err := json.Unmarshal(window, &p.OperatingWindow); err != nil {
			return nil, fmt.Errorf("failed to decode operating window of %s: %w", id, err)
		}
	}
	return &p, nil
}

func tagStrings(tags []types.Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

func languageStrings(langs []types.LanguageCode) []string {
	out := make([]string, len(langs))
	for i, l := range langs {
		out[i] = string(l)
	}
	return out
}
