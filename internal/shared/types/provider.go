package types

import (
	"slices"
	"strings"
)

// ProviderID is the opaque code of a service provider, e.g. "LegalAid-07".
type ProviderID string

// SystemActor is recorded as the actor of events raised by the scheduler.
const SystemActor ProviderID = "system"

func (p ProviderID) String() string { return string(p) }

func (p ProviderID) IsZero() bool { return p == "" }

// Tag is a service taxonomy label such as "legal-aid" or "pep".
type Tag string

// NormalizeTag lowercases and trims a tag.
func NormalizeTag(s string) Tag {
	return Tag(strings.ToLower(strings.TrimSpace(s)))
}

// LanguageCode is a lowercase ISO 639-1 code ("en", "ha", "yo").
type LanguageCode string

// NormalizeLanguage lowercases and trims a language code.
func NormalizeLanguage(s string) LanguageCode {
	return LanguageCode(strings.ToLower(strings.TrimSpace(s)))
}

// TagSet returns the sorted, de-duplicated union of the given tags.
func TagSet(tags ...Tag) []Tag {
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// ContainsProvider reports whether id is in ids.
func ContainsProvider(ids []ProviderID, id ProviderID) bool {
	return slices.Contains(ids, id)
}

// ContainsTag reports whether tag is in tags.
func ContainsTag(tags []Tag, tag Tag) bool {
	return slices.Contains(tags, tag)
}
