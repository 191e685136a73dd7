package domain

type MessageType string

const (
	MessageLogin   MessageType = "login"
	MessageLogout  MessageType = "logout"
	MessageRefresh MessageType = "refresh"
	MessageRevoke  MessageType = "revoke"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageLogin, MessageLogout, MessageRefresh, MessageRevoke:
		return true
	default:
		return false
	}
}

// CrossAppMessage announces an auth state change to sibling applications of
// the same trust domain. Timestamp is unix milliseconds.
type CrossAppMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	UserID    string      `json:"userId"`
	Timestamp int64       `json:"timestamp"`
	Nonce     string      `json:"nonce"`
	Origin    string      `json:"origin,omitempty"`
	Signature string      `json:"signature,omitempty"`
}
