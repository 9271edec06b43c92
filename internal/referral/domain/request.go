package domain

import (
	"sort"
	"strings"
	"time"

	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
	"github.com/carelink-ng/referral/internal/shared/validation"
)

// ReferralRequest is a submitted referral. It is immutable once accepted.
type ReferralRequest struct {
	FromProviderID types.ProviderID   `json:"fromProviderId" validate:"required,max=64"`
	ClientID       string             `json:"clientId" validate:"required,max=128"`
	ServiceType    types.Tag          `json:"serviceTypeNeeded" validate:"required"`
	Tags           []types.Tag        `json:"tags" validate:"max=16,dive,required"`
	Language       types.LanguageCode `json:"language,omitempty" validate:"omitempty,min=2,max=3,alpha"`
	Urgency        Urgency            `json:"urgency" validate:"required,oneof=low medium high emergency"`
	Notes          string             `json:"notes,omitempty" validate:"max=8000"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// TagChecker reports whether a tag belongs to the service taxonomy.
type TagChecker func(types.Tag) bool

// Normalize lowercases tags and the language code.
func (r *ReferralRequest) Normalize() {
	r.FromProviderID = types.ProviderID(strings.TrimSpace(r.FromProviderID.String()))
	r.ClientID = strings.TrimSpace(r.ClientID)
	r.ServiceType = types.NormalizeTag(string(r.ServiceType))
	for i, t := range r.Tags {
		r.Tags[i] = types.NormalizeTag(string(t))
	}
	r.Language = types.NormalizeLanguage(string(r.Language))
	r.Urgency = Urgency(strings.ToLower(strings.TrimSpace(string(r.Urgency))))
}

// Validate checks field rules and that every tag is known.
func (r *ReferralRequest) Validate(known TagChecker) error {
	if err := validation.Struct(r); err != nil {
		return err
	}
	if known == nil {
		return nil
	}

	var unknown []string
	for _, t := range append([]types.Tag{r.ServiceType}, r.Tags...) {
		if !known(t) {
			unknown = append(unknown, string(t))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return apperrors.InvalidRequest("unknown service tag", map[string]string{
			"tags": strings.Join(unknown, ","),
		})
	}
	return nil
}
