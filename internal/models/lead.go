package models

// Engagement holds the lead's counters as supplied by the CRM.
type Engagement struct {
	Sent        int64 `json:"sent"`
	Opens       int64 `json:"opens"`
	Clicks      int64 `json:"clicks"`
	Replies     int64 `json:"replies"`
	Conversions int64 `json:"conversions"`
}

// Lead is read-only input owned by an external collaborator.
type Lead struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Status       string         `json:"status,omitempty"`
	Source       string         `json:"source,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	Engagement   Engagement     `json:"engagement"`
}

// Attributes flattens the lead into the nested map condition fields are
// resolved against ("email", "customFields.plan", "engagement.opens").
func (l *Lead) Attributes() map[string]any {
	custom := make(map[string]any, len(l.CustomFields))
	for k, v := range l.CustomFields {
		custom[k] = v
	}
	return map[string]any{
		"id":           l.ID,
		"email":        l.Email,
		"status":       l.Status,
		"source":       l.Source,
		"customFields": custom,
		"engagement": map[string]any{
			"sent":        l.Engagement.Sent,
			"opens":       l.Engagement.Opens,
			"clicks":      l.Engagement.Clicks,
			"replies":     l.Engagement.Replies,
			"conversions": l.Engagement.Conversions,
		},
	}
}
