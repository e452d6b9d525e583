package db

import (
	"path/filepath"

	"relaychat/models"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a collection has never been saved.
	ErrNotFound = errors.New("collection not found")
	// ErrCorrupt is returned when a stored collection cannot be decoded.
	ErrCorrupt = errors.New("collection corrupt")
	// ErrUnknownBackend is returned by Open for an unsupported kind.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Backend kinds accepted by Open.
const (
	KindJSON   = "json"
	KindSQLite = "sqlite"
	KindMemory = "memory"
)

// Backend persists the user and message collections. Each Save rewrites the
// whole collection.
type Backend interface {
	LoadUsers() ([]models.User, error)
	SaveUsers(users []models.User) error
	LoadMessages() ([]models.Message, error)
	SaveMessages(messages []models.Message) error
	Close() error
}

// Options selects and locates a Backend.
type Options struct {
	Kind         string
	Dir          string
	UsersFile    string
	MessagesFile string
	SQLiteFile   string
}

// Open creates the backend described by opts.
func Open(opts Options) (Backend, error) {
	switch opts.Kind {
	case KindJSON, "":
		return NewJSONFiles(opts.Dir, opts.UsersFile, opts.MessagesFile)
	case KindSQLite:
		return NewSQLite(filepath.Join(opts.Dir, opts.SQLiteFile))
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, errors.Wrap(ErrUnknownBackend, opts.Kind)
	}
}
