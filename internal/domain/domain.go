package domain

const (
	StatusAvailable = "available"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type WorkItem struct {
	Key             string  `json:"key"`
	PayloadJSON     string  `json:"payload_json,omitempty"`
	PriorityScore   float64 `json:"priority_score"`
	Status          string  `json:"status" enum:"available,assigned,completed,failed"`
	Owner           string  `json:"owner,omitempty"`
	AssignedAt      string  `json:"assigned_at,omitempty" format:"date-time"`
	LastHeartbeatAt string  `json:"last_heartbeat_at,omitempty" format:"date-time"`
	AttemptCount    int     `json:"attempt_count"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Lease struct {
	Key                 string  `json:"key"`
	Owner               string  `json:"owner"`
	PriorityScore       float64 `json:"priority_score"`
	AssignedAt          string  `json:"assigned_at" format:"date-time"`
	LastHeartbeatAt     string  `json:"last_heartbeat_at" format:"date-time"`
	HeartbeatAgeSeconds int64   `json:"heartbeat_age_seconds"`
}

type AgentStatus struct {
	AgentID string  `json:"agent_id"`
	Leases  []Lease `json:"leases"`
}

type StatusReport struct {
	GeneratedAt string         `json:"generated_at" format:"date-time"`
	Counts      map[string]int `json:"counts"`
	Agents      []AgentStatus  `json:"agents,omitempty"`
	Stale       []Lease        `json:"stale,omitempty"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	ItemKey string `json:"item_key,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
