package mqtt

import "strings"

// DefaultTopicPrefix roots every Cadence topic.
const DefaultTopicPrefix = "cadence"

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	prefix := strings.Trim(t.Prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "/" + strings.Join(parts, "/")
}

// EmailIntents carries dispatch intents for the mail transport.
func (t Topics) EmailIntents() string { return t.join("intents", "email") }

// WebhookIntents carries webhook intents.
func (t Topics) WebhookIntents() string { return t.join("intents", "webhook") }

// Outcomes carries engagement events from the tracking collaborator.
func (t Topics) Outcomes() string { return t.join("outcomes") }

// SystemStatus carries the retained online/offline status of the engine.
func (t Topics) SystemStatus() string { return t.join("system", "status") }
