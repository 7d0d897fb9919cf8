package util

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// RepairJSON coerces a damaged JSON document into valid JSON.
// - Strips markdown code fences
// - Trims whitespace
// - Repairs truncation, trailing commas and similar damage
// Returns the possibly repaired string and true if modified.
func RepairJSON(s string) (string, bool) {
	original := s
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && len(s) >= 6 {
		s = strings.TrimSpace(s[3 : len(s)-3])
		if strings.HasPrefix(strings.ToLower(s), "json") {
			s = strings.TrimSpace(s[4:])
		}
	}

	if json.Valid([]byte(s)) {
		return s, s != original
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return s, s != original
	}
	return repaired, repaired != original
}
