package realtime

import "encoding/json"

// Envelope is the wire format for every WebSocket message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeConnected = "connected"
	TypeChange    = "change"
)

// Documented close codes sent when the handshake is rejected.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
)

// ConnectedData acknowledges a successful handshake with the resolved ids.
type ConnectedData struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

func mustEnvelope(typ string, data any) []byte {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	body, _ := json.Marshal(Envelope{Type: typ, Data: raw})
	return body
}
