package domain

import (
	"slices"

	"github.com/carelink-ng/referral/internal/privacy"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// NoteOpener decrypts sealed notes.
type NoteOpener func(sealed string) (string, error)

// CanView reports whether viewer may see confidential fields of c.
func (c *Case) CanView(viewer types.ProviderID) bool {
	return privacy.CanViewConfidential(viewer, c.FromProviderID, c.CurrentAssignee())
}

// ProjectFor returns a copy of c fit for viewer. Parties to the case get the
// notes decrypted; anyone else gets client id and free text redacted,
// including inside history payloads.
func (c *Case) ProjectFor(viewer types.ProviderID, open NoteOpener) *Case {
	out := *c
	out.pending = nil
	out.Tags = slices.Clone(c.Tags)
	out.ExcludedProviders = slices.Clone(c.ExcludedProviders)
	out.DuplicateOf = slices.Clone(c.DuplicateOf)
	out.History = slices.Clone(c.History)

	if c.CanView(viewer) {
		out.Notes = openOrRedact(c.Notes, open)
		out.OutcomeNote = openOrRedact(c.OutcomeNote, open)
		for i := range out.History {
			p := &out.History[i].Payload
			p.Notes = openOrRedact(p.Notes, open)
			p.Note = openOrRedact(p.Note, open)
		}
		return &out
	}

	out.ClientID = privacy.Redacted
	out.Notes = redactNonEmpty(out.Notes)
	out.OutcomeNote = redactNonEmpty(out.OutcomeNote)
	out.DuplicateOf = nil
	for i := range out.History {
		p := &out.History[i].Payload
		p.ClientID = redactNonEmpty(p.ClientID)
		p.Notes = redactNonEmpty(p.Notes)
		p.Note = redactNonEmpty(p.Note)
		p.DuplicateOf = nil
	}
	return &out
}

func openOrRedact(sealed string, open NoteOpener) string {
	if sealed == "" || open == nil {
		return sealed
	}
	plain, err := open(sealed)
	if err != nil {
		return privacy.Redacted
	}
	return plain
}

func redactNonEmpty(v string) string {
	if v == "" {
		return ""
	}
	return privacy.Redacted
}
