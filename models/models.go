package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrMissingUsername  = errors.New("username required")
	ErrMissingFirstName = errors.New("first name required")
	ErrMissingSender    = errors.New("sender required")
	ErrMissingRecipient = errors.New("recipient required")
)

// User is a directory entry. Address holds the host:port the user last
// contacted the server from.
type User struct {
	Username  string    `json:"username"`
	FirstName string    `json:"firstName"`
	Address   string    `json:"address"`
	Online    bool      `json:"online"`
	Chatting  bool      `json:"isChatting"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewUser creates an online user seen at now.
func NewUser(username, firstName, address string, now time.Time) (User, error) {
	if username == "" {
		return User{}, ErrMissingUsername
	}
	if firstName == "" {
		return User{}, ErrMissingFirstName
	}
	return User{
		Username:  username,
		FirstName: firstName,
		Address:   address,
		Online:    true,
		LastSeen:  now,
	}, nil
}

type Message struct {
	ID        string    `json:"id,omitempty"`
	Sender    string    `json:"from"`
	Recipient string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Retrieved bool      `json:"retrieved"`
}

// NewMessage creates an unretrieved message. Empty content is allowed.
func NewMessage(sender, recipient, content string, now time.Time) (Message, error) {
	if sender == "" {
		return Message{}, ErrMissingSender
	}
	if recipient == "" {
		return Message{}, ErrMissingRecipient
	}
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: now,
	}, nil
}

// Session binds a username to the address it last used. Never persisted.
type Session struct {
	Login    string
	Addr     string
	LastSeen time.Time
}
