package protocol

// ErrorCode identifies the category of an error frame sent to a client.
type ErrorCode string

const (
	CodeProtocol         ErrorCode = "PROTOCOL"
	CodeInvalidFilter    ErrorCode = "INVALID_FILTER"
	CodeFilterLimit      ErrorCode = "FILTER_LIMIT"
	CodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT"
	CodeWriteStall       ErrorCode = "WRITE_STALL"
	CodeServerShutdown   ErrorCode = "SERVER_SHUTDOWN"
	CodeConnectionLimit  ErrorCode = "CONNECTION_LIMIT"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Frame type discriminators. Inbound types come from clients, outbound
// types go to clients. "ping"/"pong" are symmetric at the JSON level;
// WebSocket-level ping/pong control frames are treated equivalently by
// the session pumps.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeData         = "data"
	TypeError        = "error"
)
