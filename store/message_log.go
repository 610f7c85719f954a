package store

// MessageLogType distinguishes a normal turn from a regenerate turn.
type MessageLogType string

const (
	MessageLogTypeNormal     MessageLogType = "normal"
	MessageLogTypeRegenerate MessageLogType = "regenerate"
)

// MessageLog is one record of the append-only message log, written once per
// completed assistant turn.
type MessageLog struct {
	ID           int64
	UserID       string
	RoleID       string
	UserInput    string
	BotReply     string
	Instructions string
	History      []byte // history as it stood when the request was issued, JSON-encoded
	ModelName    string
	AttemptCount int32
	Type         MessageLogType
	CreatedTs    int64
}

// FindMessageLog specifies the conditions for counting message logs.
type FindMessageLog struct {
	UserID *string
	RoleID *string
}
