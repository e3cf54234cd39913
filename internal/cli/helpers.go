package cli

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/cadence/internal/models"
)

// variantFlag is the parsed form of --variant id:weight[:template][:control].
type variantFlag struct {
	ID         string
	Weight     int
	TemplateID string
	IsControl  bool
}

func parseVariantFlag(value string) (variantFlag, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 {
		return variantFlag{}, fmt.Errorf("invalid variant %q (expected id:weight[:template][:control])", value)
	}
	v := variantFlag{ID: strings.TrimSpace(parts[0])}
	if v.ID == "" {
		return variantFlag{}, fmt.Errorf("invalid variant %q: id is required", value)
	}
	weight, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return variantFlag{}, fmt.Errorf("invalid variant %q: weight: %w", value, err)
	}
	v.Weight = weight
	for _, part := range parts[2:] {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.EqualFold(part, "control"):
			v.IsControl = true
		case v.TemplateID == "":
			v.TemplateID = part
		default:
			return variantFlag{}, fmt.Errorf("invalid variant %q: unexpected %q", value, part)
		}
	}
	return v, nil
}

func parseVariantFlags(values []string) ([]variantFlag, error) {
	out := make([]variantFlag, 0, len(values))
	for _, value := range values {
		v, err := parseVariantFlag(value)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseKeyValues parses key=value pairs.
func parseKeyValues(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, kv := range values {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid value %q (expected key=value)", kv)
		}
		out[key] = value
	}
	return out, nil
}

// parseFields parses key=value pairs and types each value as YAML would,
// so plan=pro stays a string while seats=5 becomes a number.
func parseFields(values []string) (map[string]any, error) {
	raw, err := parseKeyValues(values)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		var typed any
		if err := yaml.Unmarshal([]byte(value), &typed); err != nil || typed == nil {
			out[key] = value
			continue
		}
		out[key] = typed
	}
	return out, nil
}

func parseMetric(value string) (models.Metric, error) {
	if value == "" {
		return "", nil
	}
	metric := models.Metric(strings.ToLower(strings.TrimSpace(value)))
	if !metric.Valid() {
		return "", fmt.Errorf("unknown metric %q (expected open_rate, click_rate or conversion_rate)", value)
	}
	return metric, nil
}

// trafficFlag returns nil for the unset sentinel so the default applies.
func trafficFlag(value int) *int {
	if value < 0 {
		return nil
	}
	return &value
}
