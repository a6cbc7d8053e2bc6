package pipeord

// SSE event type constants.
const (
	EventJobCreated    = "job:created"
	EventJobUpdated    = "job:updated"
	EventJobRemoved    = "job:removed"
	EventStatusChanged = "status:changed"
	EventStateChange   = "state:change"
	EventSeedUploaded  = "seed:uploaded"
)

// Event is a domain event broadcast to SSE subscribers. It decouples the
// watch/enhance pipeline from transport concerns.
type Event struct {
	Seq     int64  `json:"seq"`
	Type    string `json:"type"`
	JobID   string `json:"jobId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}
