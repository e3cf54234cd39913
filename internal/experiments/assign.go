package experiments

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/opencode-ai/cadence/internal/models"
)

const (
	allocationSalt = "allocation"
	variantSalt    = "variant"
)

// NormalizeKey returns the canonical form of an entity key: trimmed and in
// Unicode NFC, so visually identical keys hash identically.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

// Bucket hashes (experimentID, salt, entityKey) into [0, 100).
func Bucket(experimentID, salt, entityKey string) int {
	d := xxhash.New()
	_, _ = d.WriteString(experimentID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(salt)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(NormalizeKey(entityKey))
	return int(d.Sum64() % 100)
}

// Included reports whether the entity falls inside the experiment's
// traffic allocation.
func Included(exp *models.Experiment, entityKey string) bool {
	return Bucket(exp.ID, allocationSalt, entityKey) < exp.TrafficAllocation
}

// AssignVariant deterministically maps an entity to a variant. It reads no
// state: the same experiment and key always yield the same variant.
// Entities outside the traffic allocation receive the control variant.
func AssignVariant(exp *models.Experiment, entityKey string) models.Variant {
	if exp == nil || len(exp.Variants) == 0 {
		return models.Variant{}
	}
	if !Included(exp, entityKey) {
		return exp.Control()
	}

	bucket := Bucket(exp.ID, variantSalt, entityKey)
	cumulative := 0
	for _, v := range exp.Variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return v
		}
	}
	return exp.Control()
}
