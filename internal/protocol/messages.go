package protocol

// HELLO (client -> server). One connection cooks for one platform.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Platform        string `json:"platform"`
	ClientName      string `json:"client_name,omitempty"`
	// MaxQueue bounds the replies buffered for this client.
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Platform        string `json:"platform"`
	ServerVersion   string `json:"server_version,omitempty"`
	RunID           string `json:"run_id,omitempty"`
}

// FILE_REQUEST (client -> server)
type FileRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Filename        string `json:"filename"`
	// IncludeData asks for the cooked bytes inline.
	IncludeData bool `json:"include_data,omitempty"`
}

// FILE_REPLY (server -> client)
type FileReplyMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ID              string   `json:"id"`
	Filename        string   `json:"filename"`
	Found           bool     `json:"found"`
	CookedPath      string   `json:"cooked_path,omitempty"`
	Size            int64    `json:"size,omitempty"`
	SHA256          string   `json:"sha256,omitempty"`
	Data            []byte   `json:"data,omitempty"`
	Unsolicited     []string `json:"unsolicited,omitempty"`
}

// PRECOOKED_LIST_REQUEST (client -> server)
type PrecookedListRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
}

// PRECOOKED_LIST (server -> client). Files maps filename to cooked file
// modification time in unix seconds.
type PrecookedListMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	ID              string           `json:"id"`
	Platform        string           `json:"platform"`
	Files           map[string]int64 `json:"files"`
}

// COOK_REQUEST (client -> server). Queues a cook without waiting for it.
type CookRequestMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ID              string   `json:"id"`
	Filename        string   `json:"filename"`
	Platforms       []string `json:"platforms,omitempty"`
	ForceFront      bool     `json:"force_front,omitempty"`
}

// COOK_ACK (server -> client)
type CookAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	OK              bool   `json:"ok"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(id, code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ID: id, Code: code, Message: message}
}
