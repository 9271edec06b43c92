package registry

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/rs/zerolog"

	"github.com/carelink-ng/referral/internal/shared/config"
	"github.com/carelink-ng/referral/internal/shared/types"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Directory reads the externally curated provider directory kept in SQL
// Server. The engine only ever reads from it.
type Directory struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// OpenDirectory connects to the directory database.
func OpenDirectory(ctx context.Context, cfg config.DirectoryConfig, logger zerolog.Logger) (*Directory, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("directory DSN is not configured")
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping directory database: %w", err)
	}
	return NewDirectory(db, cfg.Table, logger)
}

// NewDirectory wraps an open connection.
func NewDirectory(db *sql.DB, table string, logger zerolog.Logger) (*Directory, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid directory table name %q", table)
	}
	return &Directory{
		db:     db,
		table:  table,
		logger: logger.With().Str("component", "directory").Logger(),
	}, nil
}

// Close closes the connection.
func (d *Directory) Close() error {
	return d.db.Close()
}

// directoryRow mirrors one row of the directory table.
type directoryRow struct {
	Code            string
	Name            string
	Category        string
	Specializations sql.NullString
	Languages       sql.NullString
	CapacityPerDay  sql.NullInt64
	Always          bool
	Timezone        sql.NullString
	Hours           sql.NullString
	Verified        bool
	Active          bool
	Rating          sql.NullFloat64
}

// Fetch loads every provider from the directory.
func (d *Directory) Fetch(ctx context.Context) ([]Provider, error) {
	query := fmt.Sprintf(`
		SELECT ProviderCode, Name, Category, Specializations, Languages, CapacityPerDay,
			Always24x7, Timezone, Hours, Verified, Active, Rating
		FROM %s`, d.table)

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query directory: %w", err)
	}
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		var row directoryRow
		if err := rows.Scan(
			&row.Code, &row.Name, &row.Category, &row.Specializations, &row.Languages, &row.CapacityPerDay,
			&row.Always, &row.Timezone, &row.Hours, &row.Verified, &row.Active, &row.Rating,
		); err != nil {
			return nil, fmt.Errorf("failed to scan directory row: %w", err)
		}

		p, err := row.toProvider()
		if err != nil {
			d.logger.Warn().Err(err).Str("provider_id", row.Code).Msg("skipping directory entry")
			continue
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// SyncResult summarizes one directory sync.
type SyncResult struct {
	Fetched int `json:"fetched"`
	Written int `json:"written"`
	Failed  int `json:"failed"`
}

// Sync copies the directory into reg. Entries that fail validation are
// logged and skipped.
func (d *Directory) Sync(ctx context.Context, reg Registry) (SyncResult, error) {
	providers, err := d.Fetch(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{Fetched: len(providers)}
	for _, p := range providers {
		if err := reg.Upsert(ctx, p); err != nil {
			result.Failed++
			d.logger.Warn().Err(err).Str("provider_id", p.ID.String()).Msg("failed to sync provider")
			continue
		}
		result.Written++
	}

	d.logger.Info().
		Int("fetched", result.Fetched).
		Int("written", result.Written).
		Int("failed", result.Failed).
		Msg("directory sync finished")
	return result, nil
}

func (row directoryRow) toProvider() (Provider, error) {
	hours, err := parseHours(row.Hours.String)
	if err != nil {
		return Provider{}, err
	}

	p := Provider{
		ID:             types.ProviderID(strings.TrimSpace(row.Code)),
		Name:           strings.TrimSpace(row.Name),
		Category:       Category(strings.ToLower(strings.TrimSpace(row.Category))),
		CapacityPerDay: int(row.CapacityPerDay.Int64),
		OperatingWindow: OperatingWindow{
			Always:   row.Always,
			Timezone: strings.TrimSpace(row.Timezone.String),
			Ranges:   hours,
		},
		Verified: row.Verified,
		Active:   row.Active,
		Rating:   row.Rating.Float64,
	}
	for _, s := range splitList(row.Specializations.String) {
		p.Specializations = append(p.Specializations, types.Tag(s))
	}
	for _, l := range splitList(row.Languages.String) {
		p.Languages = append(p.Languages, types.LanguageCode(l))
	}
	p.Normalize()
	return p, nil
}

// parseHours reads the directory's opening hours notation, e.g.
// "mon-fri 08:00-17:00; sat 09:00-13:00". A range without days applies
// every day.
func parseHours(s string) ([]TimeRange, error) {
	var ranges []TimeRange
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)

		var days []string
		span := fields[len(fields)-1]
		if len(fields) == 2 {
			d, err := expandDays(fields[0])
			if err != nil {
				return nil, err
			}
			days = d
		} else if len(fields) > 2 {
			return nil, fmt.Errorf("invalid hours %q", part)
		}

		start, end, ok := strings.Cut(span, "-")
		if !ok {
			return nil, fmt.Errorf("invalid hours %q", part)
		}
		if _, err := parseClock(start); err != nil {
			return nil, err
		}
		if _, err := parseClock(end); err != nil {
			return nil, err
		}
		ranges = append(ranges, TimeRange{Days: days, Start: start, End: end})
	}
	return ranges, nil
}

var dayOrder = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

func expandDays(s string) ([]string, error) {
	var out []string
	for _, item := range strings.Split(strings.ToLower(s), ",") {
		from, to, isSpan := strings.Cut(item, "-")
		i := slices.Index(dayOrder, from)
		if i < 0 {
			return nil, fmt.Errorf("unknown day %q", from)
		}
		if !isSpan {
			out = append(out, from)
			continue
		}
		j := slices.Index(dayOrder, to)
		if j < 0 {
			return nil, fmt.Errorf("unknown day %q", to)
		}
		for k := i; ; k = (k + 1) % len(dayOrder) {
			out = append(out, dayOrder[k])
			if k == j {
				break
			}
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
