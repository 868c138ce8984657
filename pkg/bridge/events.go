package bridge

import "encoding/json"

// Wire protocol: one JSON object per text frame.
//
// Client -> server:  { "event": "<tag>", "id": "<optional>", "data": {...} }
// Server -> client:  { "event": "<tag>", "id": "<if supplied>",
//                      "status": "ok"|"error", "data": ... | "error": {...} }
//
// Server-initiated events (info, heartbeat, input_request, data_updated,
// broadcast relays) omit status.

// Client -> server event tags.
const (
	EventDispatch      = "dispatch"
	EventInputResponse = "input_response"
	EventGetSchema     = "get_schema"
	EventDiscover      = "discover"
	EventIntrospect    = "introspect"
	EventCacheStats    = "cache_stats"
	EventClearCache    = "clear_cache"
	EventSetQueryTTL   = "set_query_cache_ttl"
	EventBroadcast     = "broadcast"
)

// Server -> client event tags.
const (
	EventInfo         = "info"
	EventHeartbeat    = "heartbeat"
	EventInputRequest = "input_request"
	EventDataUpdated  = "data_updated"
)

// Error kinds carried in error replies.
const (
	KindBadFrame     = "bad_frame"
	KindCommandError = "command_error"
	KindCancelled    = "cancelled"
	KindTimeout      = "timeout"
	KindOverloaded   = "overloaded"
	KindNotFound     = "not_found"
	KindPolicy       = "policy"
	KindInternal     = "internal"
)

// WebSocket close codes.
const (
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseGoingAway       = 1001
)

// Envelope is the inbound frame shape. Data stays opaque until the routed
// handler decodes it for its event tag.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WireError is the machine-readable error payload. No stack traces cross
// the wire.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Reply is the outbound frame shape for request replies.
type Reply struct {
	Event  string     `json:"event"`
	ID     string     `json:"id,omitempty"`
	Status string     `json:"status,omitempty"`
	Data   any        `json:"data,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

func okReply(event, id string, data any) Reply {
	return Reply{Event: event, ID: id, Status: "ok", Data: data}
}

func errorReply(event, id, kind, message string) Reply {
	return Reply{Event: event, ID: id, Status: "error", Error: &WireError{Kind: kind, Message: message}}
}

// serverEvent is a server-initiated frame (no status field).
func serverEvent(event, id string, data any) Reply {
	return Reply{Event: event, ID: id, Data: data}
}
