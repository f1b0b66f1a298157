// Package protocol defines the JSON messages exchanged over the websocket
// migration transport. A sender opens one connection per destination host,
// says HELLO, then issues FETCH_ADD and PUT requests; every request is
// answered by exactly one RESULT carrying the same seq.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello    = "HELLO"
	TypeWelcome  = "WELCOME"
	TypeFetchAdd = "FETCH_ADD"
	TypePut      = "PUT"
	TypeResult   = "RESULT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
