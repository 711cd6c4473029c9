package websocket

const (
	EventUnread       = "unread"
	EventCommandError = "command_error"
)

// OutgoingEvent is one outbound frame. Type is a view event kind, "unread"
// or "command_error".
type OutgoingEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
