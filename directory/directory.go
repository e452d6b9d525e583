// Package directory tracks known users and their presence.
package directory

import (
	"time"

	"relaychat/db"
	"relaychat/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Storage persists the user table.
type Storage interface {
	LoadUsers() ([]models.User, error)
	SaveUsers(users []models.User) error
}

// Directory is the in-memory user table. One record per username, kept in
// first-connect order. Not safe for concurrent use.
type Directory struct {
	users   []models.User
	index   map[string]int
	storage Storage
	now     func() time.Time
}

// Cfg configures a Directory.
type Cfg func(*Directory)

// WithClock sets the time source for last-seen stamps.
func WithClock(now func() time.Time) Cfg {
	return func(d *Directory) {
		d.now = now
	}
}

func New(storage Storage, cfgs ...Cfg) *Directory {
	d := &Directory{
		index:   make(map[string]int),
		storage: storage,
		now:     time.Now,
	}
	for _, cfg := range cfgs {
		cfg(d)
	}
	return d
}

// Load replaces the table with the stored one. Missing or unreadable
// storage leaves the table empty and is only logged.
func (d *Directory) Load() {
	d.users = nil
	d.index = make(map[string]int)
	users, err := d.storage.LoadUsers()
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logger.WithError(err).Warn("users not found, starting with empty users list")
		} else {
			logger.WithError(err).Error("users unreadable, starting with empty users list")
		}
		return
	}
	for _, u := range users {
		if u.Username == "" {
			logger.Warn("skipping stored user without username")
			continue
		}
		if i, ok := d.index[u.Username]; ok {
			d.users[i] = u
			continue
		}
		d.index[u.Username] = len(d.users)
		d.users = append(d.users, u)
	}
	logger.WithField("users", len(d.users)).Info("users loaded")
}

// Save writes the whole table to storage.
func (d *Directory) Save() error {
	return errors.Wrap(d.storage.SaveUsers(d.users), "save users failed")
}

// Connect upserts username. An existing record keeps its first name and
// gets the new address, online=true and a fresh last-seen.
func (d *Directory) Connect(username, firstName, address string) (models.User, error) {
	now := d.now()
	if i, ok := d.index[username]; ok {
		u := &d.users[i]
		u.Address = address
		u.Online = true
		u.LastSeen = now
		return *u, nil
	}
	u, err := models.NewUser(username, firstName, address, now)
	if err != nil {
		return models.User{}, errors.Wrap(err, "new user failed")
	}
	d.index[username] = len(d.users)
	d.users = append(d.users, u)
	return u, nil
}

// List returns every user whose stored address differs from address.
func (d *Directory) List(address string) []models.User {
	users := make([]models.User, 0, len(d.users))
	for _, u := range d.users {
		if u.Address == address {
			continue
		}
		users = append(users, u)
	}
	return users
}

func (d *Directory) Get(username string) (models.User, bool) {
	i, ok := d.index[username]
	if !ok {
		return models.User{}, false
	}
	return d.users[i], true
}

func (d *Directory) Len() int {
	return len(d.users)
}
