package realtime

import "encoding/json"

type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindChange    Kind = "change"
	KindPresence  Kind = "presence"
)

// Envelope is the wire form of everything carried on a bus subject.
type Envelope struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Origin   string          `json:"origin,omitempty"` // sending client id
	Payload  json.RawMessage `json:"payload,omitempty"`
	Change   *Change         `json:"change,omitempty"`
	Presence []string        `json:"presence,omitempty"`
}
