package websocket

const (
	CommandOpen         = "open"
	CommandClose        = "close"
	CommandStart        = "start"
	CommandSendText     = "send_text"
	CommandSendFile     = "send_file"
	CommandCancelUpload = "cancel_upload"
	CommandTyping       = "typing"
	CommandMarkRead     = "mark_read"
)

// Command is one inbound frame from the client.
type Command struct {
	Type           string       `json:"type"`
	ConversationId string       `json:"conversationId,omitempty"`
	ParticipantId  string       `json:"participantId,omitempty"`
	Text           string       `json:"text,omitempty"`
	File           *FilePayload `json:"file,omitempty"`
	UploadId       string       `json:"uploadId,omitempty"`
}

// FilePayload carries an attachment inline, base64 encoded.
type FilePayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}
