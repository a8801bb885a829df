package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("quantgate: %s", event.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Component:* %s", event.Component)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Level:* %s", event.Level)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Request:* %s", event.RequestID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	severity := "warning"
	switch event.Type {
	case "security_violation_detected":
		severity = "critical"
	case "degradation_triggered":
		severity = "error"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("quantgate %s: %s", event.Type, event.Reason),
			"severity": severity,
			"source":   "quantgate",
			"custom_details": map[string]any{
				"component":  event.Component,
				"level":      event.Level,
				"request_id": event.RequestID,
				"risk_score": event.RiskScore,
				"reason":     event.Reason,
			},
		},
	}
	return json.Marshal(payload)
}
