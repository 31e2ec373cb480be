package server

import (
	"encoding/json"

	"leasepool/internal/domain"
)

// Request payloads

type AddItemRequest struct {
	Key           string         `json:"key"`
	Payload       map[string]any `json:"payload,omitempty"`
	PriorityScore float64        `json:"priority_score,omitempty"`
}

type SetPriorityRequest struct {
	PriorityScore float64 `json:"priority_score"`
}

type ClaimRequest struct {
	AgentID string `json:"agent_id"`
}

type AgentRequest struct {
	AgentID string `json:"agent_id"`
}

type FailRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

type SweepRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

// Response payloads

type ItemResponse struct {
	Key             string         `json:"key"`
	Payload         map[string]any `json:"payload,omitempty"`
	PriorityScore   float64        `json:"priority_score"`
	Status          string         `json:"status" enum:"available,assigned,completed,failed"`
	Owner           string         `json:"owner,omitempty"`
	AssignedAt      string         `json:"assigned_at,omitempty" format:"date-time"`
	LastHeartbeatAt string         `json:"last_heartbeat_at,omitempty" format:"date-time"`
	AttemptCount    int            `json:"attempt_count"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

// ClaimResponse carries a null item when the pool has nothing claimable;
// an empty pool is a normal outcome, not an error.
type ClaimResponse struct {
	Item *ItemResponse `json:"item"`
}

type HeartbeatResponse struct {
	Held bool `json:"held"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}

type SweepResponse struct {
	Reclaimed int `json:"reclaimed"`
}

type LeaseResponse struct {
	Key                 string  `json:"key"`
	Owner               string  `json:"owner"`
	PriorityScore       float64 `json:"priority_score"`
	AssignedAt          string  `json:"assigned_at" format:"date-time"`
	LastHeartbeatAt     string  `json:"last_heartbeat_at" format:"date-time"`
	HeartbeatAgeSeconds int64   `json:"heartbeat_age_seconds"`
}

type AgentStatusResponse struct {
	AgentID string          `json:"agent_id"`
	Leases  []LeaseResponse `json:"leases"`
}

type StatusResponse struct {
	GeneratedAt string                `json:"generated_at" format:"date-time"`
	Counts      map[string]int        `json:"counts"`
	Agents      []AgentStatusResponse `json:"agents"`
	Stale       []LeaseResponse       `json:"stale"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	ItemKey string         `json:"item_key,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CreatedAPIKeyResponse includes the plaintext key; it is shown once at
// creation and never stored.
type CreatedAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type paginatedItems struct {
	Items      []ItemResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func itemResponse(it domain.WorkItem) ItemResponse {
	return ItemResponse{
		Key:             it.Key,
		Payload:         decodeJSONMap(it.PayloadJSON),
		PriorityScore:   it.PriorityScore,
		Status:          it.Status,
		Owner:           it.Owner,
		AssignedAt:      it.AssignedAt,
		LastHeartbeatAt: it.LastHeartbeatAt,
		AttemptCount:    it.AttemptCount,
		CreatedAt:       it.CreatedAt,
		UpdatedAt:       it.UpdatedAt,
	}
}

func mapItems(items []domain.WorkItem) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, itemResponse(it))
	}
	return res
}

func leaseResponse(l domain.Lease) LeaseResponse {
	return LeaseResponse(l)
}

func mapLeases(leases []domain.Lease) []LeaseResponse {
	res := make([]LeaseResponse, 0, len(leases))
	for _, l := range leases {
		res = append(res, leaseResponse(l))
	}
	return res
}

func statusResponse(r domain.StatusReport) StatusResponse {
	res := StatusResponse{
		GeneratedAt: r.GeneratedAt,
		Counts:      r.Counts,
		Agents:      []AgentStatusResponse{},
		Stale:       mapLeases(r.Stale),
	}
	for _, a := range r.Agents {
		res.Agents = append(res.Agents, AgentStatusResponse{
			AgentID: a.AgentID,
			Leases:  mapLeases(a.Leases),
		})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		ItemKey: e.ItemKey,
		AgentID: e.AgentID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
