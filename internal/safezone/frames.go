// Package safezone multiplexes proxy requests over a single WebSocket.
// Every frame is a JSON text message; channels are client-chosen ids and
// frames for one channel are always emitted in order.
package safezone

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "safezone.v1"

// Frame type discriminators.
const (
	TypeRequest  = "request"
	TypeCancel   = "cancel"
	TypeResponse = "response"
	TypeBody     = "body"
	TypeError    = "error"
)

// Body encodings accepted on request frames.
const (
	EncodingBase64 = "base64"
	EncodingUTF8   = "utf8"
)

// inboundFrame is the client-to-server shape, covering both request and
// cancel frames; Type discriminates.
type inboundFrame struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	URL          string              `json:"url,omitempty"`
	Method       string              `json:"method,omitempty"`
	Headers      map[string][]string `json:"headers,omitempty"`
	RenderHint   string              `json:"renderHint,omitempty"`
	Body         string              `json:"body,omitempty"`
	BodyEncoding string              `json:"bodyEncoding,omitempty"`
}

// responseFrame carries status and headers for a channel, always before
// any body frame.
type responseFrame struct {
	Type      string              `json:"type"`
	ID        string              `json:"id"`
	Status    int                 `json:"status"`
	Headers   map[string][]string `json:"headers"`
	FromCache bool                `json:"fromCache"`
	Renderer  string              `json:"renderer"`
}

// bodyFrame carries one base64 chunk; Final marks the last chunk of the
// channel, which may be empty.
type bodyFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Data  string `json:"data"`
	Final bool   `json:"final"`
}

// errorFrame terminates a channel, or the whole connection when ID is
// empty.
type errorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
