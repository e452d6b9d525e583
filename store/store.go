// Package store is the message log. Messages are appended in creation order
// and each one is handed out by Retrieve at most once.
package store

import (
	"time"

	"relaychat/db"
	"relaychat/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Storage persists the message log.
type Storage interface {
	LoadMessages() ([]models.Message, error)
	SaveMessages(messages []models.Message) error
}

// Store is the in-memory message log. Not safe for concurrent use.
type Store struct {
	messages []models.Message
	storage  Storage
	now      func() time.Time
}

// Cfg configures a Store.
type Cfg func(*Store)

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Cfg {
	return func(s *Store) {
		s.now = now
	}
}

func New(storage Storage, cfgs ...Cfg) *Store {
	s := &Store{
		storage: storage,
		now:     time.Now,
	}
	for _, cfg := range cfgs {
		cfg(s)
	}
	return s
}

// Load replaces the log with the stored one. Missing or unreadable storage
// leaves the log empty and is only logged.
func (s *Store) Load() {
	s.messages = nil
	messages, err := s.storage.LoadMessages()
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logger.WithError(err).Warn("messages not found, starting with empty messages list")
		} else {
			logger.WithError(err).Error("messages unreadable, starting with empty messages list")
		}
		return
	}
	s.messages = messages
	logger.WithField("messages", len(s.messages)).Info("messages loaded")
}

// Save writes the whole log to storage.
func (s *Store) Save() error {
	return errors.Wrap(s.storage.SaveMessages(s.messages), "save messages failed")
}

// Append adds an unretrieved message from sender to recipient.
func (s *Store) Append(sender, recipient, content string) (models.Message, error) {
	msg, err := models.NewMessage(sender, recipient, content, s.now())
	if err != nil {
		return models.Message{}, errors.Wrap(err, "new message failed")
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// Retrieve returns the contents of every unretrieved message from sender to
// recipient, oldest first, and marks them retrieved.
func (s *Store) Retrieve(sender, recipient string) []string {
	contents := []string{}
	for i := range s.messages {
		m := &s.messages[i]
		if m.Sender != sender || m.Recipient != recipient || m.Retrieved {
			continue
		}
		m.Retrieved = true
		contents = append(contents, m.Content)
	}
	return contents
}

// Pending counts unretrieved messages from sender to recipient.
func (s *Store) Pending(sender, recipient string) int {
	n := 0
	for _, m := range s.messages {
		if m.Sender == sender && m.Recipient == recipient && !m.Retrieved {
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	return len(s.messages)
}
