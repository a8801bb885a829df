package audit

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Entry is one line in the hash-chained JSONL audit log.
// All fields are scalars or slices of scalars (no map[string]any) to
// guarantee deterministic json.Marshal field order for reproducible
// hashing. Raw content never appears here, only its digest.
type Entry struct {
	Timestamp   string   `json:"ts"`
	RequestID   string   `json:"request_id"`
	Component   string   `json:"component"`
	SessionID   string   `json:"session_id,omitempty"`
	EventType   string   `json:"event_type"`
	ContentType string   `json:"content_type,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
	Level       string   `json:"level,omitempty"`
	Decision    string   `json:"decision"`
	Reason      string   `json:"reason,omitempty"`
	Violations  []string `json:"violations,omitempty"`
	RiskScore   int      `json:"risk_score,omitempty"`
	ExitClass   string   `json:"exit_class,omitempty"`
	WallTimeMS  int64    `json:"wall_time_ms,omitempty"`
	PolicyHash  string   `json:"policy_hash,omitempty"`
	PrevHash    string   `json:"prev_hash"`
}

// Decisions recorded in audit entries.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionExecuted = "executed"
	DecisionFailed   = "failed"
	DecisionDegraded = "degraded"
)

// HashContent returns "blake3:<hex>" of content. Digests stand in for
// payloads everywhere in the log.
func HashContent(content string) string {
	sum := blake3.Sum256([]byte(content))
	return "blake3:" + hex.EncodeToString(sum[:])
}
