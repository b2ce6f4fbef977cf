package envelope

// Type is the wire tag carried in the "type" field of every envelope.
type Type string

const (
	TypeConnection Type = "connection"
	TypeMessage    Type = "message"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeError      Type = "error"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAdmin   Role = "admin"
)

// Envelope is one discrete relay message. The set of implementations is
// closed: Connection, Chat, Ping, Pong and Error.
type Envelope interface {
	Type() Type
	isEnvelope()
}

// Connection is sent by the server once, right after a session is created.
type Connection struct {
	VisitorID string `json:"visitorId"`
}

// Chat carries text in either direction.
type Chat struct {
	Content           string `json:"content"`
	SenderRole        Role   `json:"senderRole"`
	OperatorMessageID *int64 `json:"operatorMessageId,omitempty"`
}

// Ping asks the peer to answer with a Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Error reports a non-fatal problem to the visitor.
type Error struct {
	Message string `json:"message"`
}

func (Connection) Type() Type { return TypeConnection }
func (Chat) Type() Type       { return TypeMessage }
func (Ping) Type() Type       { return TypePing }
func (Pong) Type() Type       { return TypePong }
func (Error) Type() Type      { return TypeError }

func (Connection) isEnvelope() {}
func (Chat) isEnvelope()       {}
func (Ping) isEnvelope()       {}
func (Pong) isEnvelope()       {}
func (Error) isEnvelope()      {}

// AdminReply builds the chat envelope delivered to a visitor when the
// operator answers the message with the given operator-side id.
func AdminReply(content string, operatorMessageID int64) Chat {
	id := operatorMessageID
	return Chat{Content: content, SenderRole: RoleAdmin, OperatorMessageID: &id}
}
