package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Window operations.
	ErrUnknownPartition = "E_UNKNOWN_PARTITION"
	ErrChannelFull      = "E_CHANNEL_FULL"
	ErrOffsetRange      = "E_OFFSET_RANGE"
	ErrInternal         = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrProtoVersion:     {},
	ErrUnknownPartition: {},
	ErrChannelFull:      {},
	ErrOffsetRange:      {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
