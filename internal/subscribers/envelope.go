// Package subscribers holds the event bus handlers that fan job and
// project events out to webhooks, the message broker and the audit ledger.
package subscribers

import (
	"encoding/json"

	"github.com/sisrua/geoprep/internal/eventbus"
)

// Envelope is the wire shape delivered to external listeners
type Envelope struct {
	Event     string         `json:"event"`
	Timestamp float64        `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEnvelope wraps evt with a unix timestamp in seconds
func NewEnvelope(evt eventbus.Event) Envelope {
	return Envelope{
		Event:     evt.Topic,
		Timestamp: float64(evt.Timestamp.UnixMicro()) / 1e6,
		Data:      evt.Payload,
	}
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}
