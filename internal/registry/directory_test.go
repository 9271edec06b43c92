package registry

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink-ng/referral/internal/shared/types"
)

func TestParseHours(t *testing.T) {
	ranges, err := parseHours("mon-fri 08:00-17:00; sat,sun 10:00-14:00; 22:00-06:00")
	require.NoError(t, err)
	require.Len(t, ranges, 3)

	assert.Equal(t, []string{"mon", "tue", "wed", "thu", "fri"}, ranges[0].Days)
	assert.Equal(t, "08:00", ranges[0].Start)
	assert.Equal(t, []string{"sat", "sun"}, ranges[1].Days)
	assert.Nil(t, ranges[2].Days)
	assert.Equal(t, "06:00", ranges[2].End)

	wrap, err := parseHours("fri-mon 09:00-12:00")
	require.NoError(t, err)
	assert.Equal(t, []string{"fri", "sat", "sun", "mon"}, wrap[0].Days)

	empty, err := parseHours("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"mon 9-5", "someday 08:00-09:00", "mon tue 08:00-09:00", "08:00"} {
		_, err := parseHours(bad)
		assert.Error(t, err, bad)
	}
}

func TestDirectoryRowToProvider(t *testing.T) {
	row := directoryRow{
		Code:            " SARC-Abuja ",
		Name:            "Sexual Assault Referral Centre",
		Category:        "Health",
		Specializations: sql.NullString{String: "PEP, forensic-exam,,pep", Valid: true},
		Languages:       sql.NullString{String: "en,HA", Valid: true},
		CapacityPerDay:  sql.NullInt64{Int64: 30, Valid: true},
		Always:          true,
		Verified:        true,
		Active:          true,
		Rating:          sql.NullFloat64{Float64: 4.8, Valid: true},
	}

	p, err := row.toProvider()
	require.NoError(t, err)
	assert.Equal(t, types.ProviderID("SARC-Abuja"), p.ID)
	assert.Equal(t, CategoryHealth, p.Category)
	assert.Equal(t, []types.Tag{"forensic-exam", "pep"}, p.Specializations)
	assert.Equal(t, []types.LanguageCode{"en", "ha"}, p.Languages)
	assert.True(t, p.OperatingWindow.Always)

	row.Hours = sql.NullString{String: "never", Valid: true}
	_, err = row.toProvider()
	assert.Error(t, err)
}

func TestNewDirectoryRejectsUnsafeTable(t *testing.T) {
	_, err := NewDirectory(nil, "dbo.Providers; DROP TABLE x", zerolog.Nop())
	assert.Error(t, err)

	d, err := NewDirectory(nil, "dbo.ServiceProviders", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "dbo.ServiceProviders", d.table)
}
