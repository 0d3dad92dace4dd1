package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello                = "HELLO"
	TypeWelcome              = "WELCOME"
	TypeFileRequest          = "FILE_REQUEST"
	TypeFileReply            = "FILE_REPLY"
	TypePrecookedListRequest = "PRECOOKED_LIST_REQUEST"
	TypePrecookedList        = "PRECOOKED_LIST"
	TypeCookRequest          = "COOK_REQUEST"
	TypeCookAck              = "COOK_ACK"
	TypeError                = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ID              string `json:"id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
