package server

import (
	"timelock/internal/domain"
)

type DescriptorRequest struct {
	Target     string `json:"target" example:"https://vault.internal/call"`
	Value      uint64 `json:"value,omitempty"`
	Signature  string `json:"signature,omitempty" example:"withdraw(amount)"`
	Data       []byte `json:"data,omitempty"`
	WindowFrom int64  `json:"window_from" example:"1735689600"`
	WindowTo   int64  `json:"window_to" example:"1735776000"`
}

func (r DescriptorRequest) descriptor() domain.Descriptor {
	return domain.Descriptor{
		Target:     r.Target,
		Value:      r.Value,
		Signature:  r.Signature,
		Data:       r.Data,
		WindowFrom: r.WindowFrom,
		WindowTo:   r.WindowTo,
	}
}

type CommandResponse struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	Value      uint64 `json:"value"`
	Signature  string `json:"signature,omitempty"`
	Data       []byte `json:"data,omitempty"`
	WindowFrom int64  `json:"window_from"`
	WindowTo   int64  `json:"window_to"`
	Status     string `json:"status" enum:"unqueued,queued,executed"`
	ExecutedAt *int64 `json:"executed_at,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func commandResponse(c domain.Command) CommandResponse {
	return CommandResponse{
		ID:         c.ID,
		Target:     c.Target,
		Value:      c.Value,
		Signature:  c.Signature,
		Data:       c.Data,
		WindowFrom: c.WindowFrom,
		WindowTo:   c.WindowTo,
		Status:     string(c.Status),
		ExecutedAt: c.ExecutedAt,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func mapCommands(items []domain.Command) []CommandResponse {
	res := make([]CommandResponse, 0, len(items))
	for _, c := range items {
		res = append(res, commandResponse(c))
	}
	return res
}

type paginatedCommands struct {
	Items      []CommandResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type ExecuteResponse struct {
	Command CommandResponse `json:"command"`
	Result  []byte          `json:"result,omitempty"`
}

type DeriveResponse struct {
	ID string `json:"id"`
}

type EmergencyCallRequest struct {
	Target    string `json:"target"`
	Value     uint64 `json:"value,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

type EmergencyCallResponse struct {
	Result []byte `json:"result,omitempty"`
}

type EmergencyRegisteredResponse struct {
	Target     string `json:"target"`
	Signature  string `json:"signature"`
	Registered bool   `json:"registered"`
}

type EmergencyEntryResponse struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	Signature    string `json:"signature"`
	RegisteredAt string `json:"registered_at"`
	RegisteredBy string `json:"registered_by"`
}

func emergencyResponse(e domain.EmergencyEntry) EmergencyEntryResponse {
	return EmergencyEntryResponse{
		ID:           e.ID,
		Target:       e.Target,
		Signature:    e.Signature,
		RegisteredAt: e.RegisteredAt,
		RegisteredBy: e.RegisteredBy,
	}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id" enum:"proposer,executor,emergency,admin"`
}

type RoleGrantResponse struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
