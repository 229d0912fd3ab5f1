package domain

// CommandStatus is the lifecycle stage of a scheduled command.
type CommandStatus string

const (
	StatusUnqueued CommandStatus = "unqueued"
	StatusQueued   CommandStatus = "queued"
	StatusExecuted CommandStatus = "executed"
)

// Descriptor is the immutable tuple defining a requested external invocation.
// Two descriptors are the same command iff every field is equal; the derived
// identifier is the sole notion of command identity.
type Descriptor struct {
	Target     string `json:"target"`
	Value      uint64 `json:"value"`
	Signature  string `json:"signature,omitempty"`
	Data       []byte `json:"data,omitempty"`
	WindowFrom int64  `json:"window_from"`
	WindowTo   int64  `json:"window_to"`
}

type Command struct {
	ID         string        `json:"id"`
	Target     string        `json:"target"`
	Value      uint64        `json:"value"`
	Signature  string        `json:"signature,omitempty"`
	Data       []byte        `json:"data,omitempty"`
	WindowFrom int64         `json:"window_from"`
	WindowTo   int64         `json:"window_to"`
	Status     CommandStatus `json:"status" enum:"unqueued,queued,executed"`
	ExecutedAt *int64        `json:"executed_at,omitempty"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	UpdatedAt  string        `json:"updated_at" format:"date-time"`
}

// Descriptor reconstructs the identity tuple of a stored command.
func (c Command) Descriptor() Descriptor {
	return Descriptor{
		Target:     c.Target,
		Value:      c.Value,
		Signature:  c.Signature,
		Data:       c.Data,
		WindowFrom: c.WindowFrom,
		WindowTo:   c.WindowTo,
	}
}

// EmergencyEntry is a persistent allow-list grant for a (target, signature)
// pair. Presence is permission; entries are not consumed by execution.
type EmergencyEntry struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	Signature    string `json:"signature"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
	RegisteredBy string `json:"registered_by"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoleGrant struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}
