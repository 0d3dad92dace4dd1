package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Cook layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrUnknownPlatform = "E_UNKNOWN_PLATFORM"
	ErrNotFound        = "E_NOT_FOUND"
	ErrRejected        = "E_REJECTED"
	ErrTooLarge        = "E_TOO_LARGE"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadRequest:      {},
	ErrUnknownPlatform: {},
	ErrNotFound:        {},
	ErrRejected:        {},
	ErrTooLarge:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
