// Package entity merges successive AI-extracted entity descriptors for a
// community until the descriptor is finalized.
package entity

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/dongshu2013/the-sniper/internal/sniper"
)

// Merge combines a prior descriptor with a fresh extraction. The merge is
// additive: a new non-null value wins over a previously null one, and a known
// field is never regressed to null. Returns the merged descriptor and whether
// it is finalized.
func Merge(existing, extracted *sniper.EntityDescriptor) (*sniper.EntityDescriptor, bool) {
	if existing == nil && extracted == nil {
		return nil, false
	}
	merged := &sniper.EntityDescriptor{Type: sniper.EntityUnknown}
	if existing != nil {
		clone := *existing
		merged = &clone
	}
	if extracted != nil {
		if extracted.Type != "" && extracted.Type != sniper.EntityUnknown {
			merged.Type = extracted.Type
		}
		merged.Name = pick(merged.Name, extracted.Name)
		merged.Chain = pick(merged.Chain, extracted.Chain)
		merged.Address = pick(merged.Address, extracted.Address)
		merged.Website = pick(merged.Website, extracted.Website)
		merged.Twitter = pick(merged.Twitter, extracted.Twitter)
	}
	if merged.Type == "" {
		merged.Type = sniper.EntityUnknown
	}
	return merged, Finalized(merged)
}

// Finalized reports whether a descriptor is complete enough to stop
// re-extraction: a memecoin with both name and twitter, or type other.
// Unknown descriptors are never finalized.
func Finalized(d *sniper.EntityDescriptor) bool {
	if d == nil {
		return false
	}
	switch d.Type {
	case sniper.EntityMemecoin:
		return present(d.Name) && present(d.Twitter)
	case sniper.EntityOther:
		return true
	default:
		return false
	}
}

func pick(old, new *string) *string {
	if present(new) {
		return new
	}
	return old
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

var fieldPatterns = map[string]*regexp.Regexp{
	"type":    regexp.MustCompile(`"type"\s*:\s*"([^"]*)"`),
	"name":    regexp.MustCompile(`"name"\s*:\s*"([^"]*)"`),
	"chain":   regexp.MustCompile(`"chain"\s*:\s*"([^"]*)"`),
	"address": regexp.MustCompile(`"address"\s*:\s*"([^"]*)"`),
	"website": regexp.MustCompile(`"website"\s*:\s*"([^"]*)"`),
	"twitter": regexp.MustCompile(`"twitter"\s*:\s*"([^"]*)"`),
}

type extraction struct {
	Type    string  `json:"type"`
	Name    *string `json:"name"`
	Chain   *string `json:"chain"`
	Address *string `json:"address"`
	Website *string `json:"website"`
	Twitter *string `json:"twitter"`
}

// ParseExtraction decodes an AI extraction response. Strict JSON parsing is
// attempted first; on failure each expected field is recovered independently
// by regex, and a field that cannot be matched is null rather than an error.
func ParseExtraction(raw string) *sniper.EntityDescriptor {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var ex extraction
	if err := json.Unmarshal([]byte(stripFences(raw)), &ex); err == nil {
		return fromExtraction(ex)
	}

	// Regex fallback, field by field.
	get := func(field string) *string {
		m := fieldPatterns[field].FindStringSubmatch(raw)
		if len(m) != 2 || strings.TrimSpace(m[1]) == "" || m[1] == "null" {
			return nil
		}
		v := m[1]
		return &v
	}
	ex = extraction{
		Name:    get("name"),
		Chain:   get("chain"),
		Address: get("address"),
		Website: get("website"),
		Twitter: get("twitter"),
	}
	if t := get("type"); t != nil {
		ex.Type = *t
	}
	return fromExtraction(ex)
}

func fromExtraction(ex extraction) *sniper.EntityDescriptor {
	d := &sniper.EntityDescriptor{
		Type:    normalizeType(ex.Type),
		Name:    clean(ex.Name),
		Chain:   clean(ex.Chain),
		Address: clean(ex.Address),
		Website: clean(ex.Website),
		Twitter: clean(ex.Twitter),
	}
	return d
}

func normalizeType(t string) sniper.EntityType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "memecoin", "meme coin", "meme":
		return sniper.EntityMemecoin
	case "other":
		return sniper.EntityOther
	default:
		return sniper.EntityUnknown
	}
}

func clean(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

// stripFences removes a markdown code fence the model sometimes wraps JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
