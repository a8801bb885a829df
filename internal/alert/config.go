package alert

// Config defines a webhook alert destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // event types to forward
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp  string `json:"timestamp"`
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	Component  string `json:"component,omitempty"`
	Level      string `json:"level,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Reason     string `json:"reason"`
	RiskScore  int    `json:"risk_score,omitempty"`
	PolicyHash string `json:"policy_hash,omitempty"`
}
