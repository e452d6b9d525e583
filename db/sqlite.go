package db

import (
	"database/sql"
	"time"

	"relaychat/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLite stores both collections in one SQLite database.
type SQLite struct {
	conn *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s failed", path)
	}

	db := &SQLite{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "init %s failed", path)
	}

	return db, nil
}

func (db *SQLite) Close() error {
	return db.conn.Close()
}

func (db *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			address TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			is_chatting INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			retrieved INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// User methods
func (db *SQLite) LoadUsers() ([]models.User, error) {
	rows, err := db.conn.Query(
		"SELECT username, first_name, address, online, is_chatting, last_seen FROM users ORDER BY rowid",
	)
	if err != nil {
		return nil, errors.Wrap(err, "query users failed")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lastSeen string
		if err := rows.Scan(&u.Username, &u.FirstName, &u.Address, &u.Online, &u.Chatting, &lastSeen); err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		if u.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *SQLite) SaveUsers(users []models.User) error {
	return db.replace("users", func(tx *sql.Tx) error {
		for _, u := range users {
			_, err := tx.Exec(
				"INSERT INTO users (username, first_name, address, online, is_chatting, last_seen) VALUES (?, ?, ?, ?, ?, ?)",
				u.Username, u.FirstName, u.Address, u.Online, u.Chatting, u.LastSeen.Format(time.RFC3339Nano),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Message methods
func (db *SQLite) LoadMessages() ([]models.Message, error) {
	rows, err := db.conn.Query(
		"SELECT id, sender, recipient, content, timestamp, retrieved FROM messages ORDER BY seq",
	)
	if err != nil {
		return nil, errors.Wrap(err, "query messages failed")
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestamp string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &timestamp, &m.Retrieved); err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		if m.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *SQLite) SaveMessages(messages []models.Message) error {
	return db.replace("messages", func(tx *sql.Tx) error {
		for _, m := range messages {
			_, err := tx.Exec(
				"INSERT INTO messages (id, sender, recipient, content, timestamp, retrieved) VALUES (?, ?, ?, ?, ?, ?)",
				m.ID, m.Sender, m.Recipient, m.Content, m.Timestamp.Format(time.RFC3339Nano), m.Retrieved,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// replace empties table and refills it with insert inside one transaction.
func (db *SQLite) replace(table string, insert func(*sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	// table is one of our own constants, never user input
	if _, err := tx.Exec("DELETE FROM " + table); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "clear %s failed", table)
	}
	if err := insert(tx); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "insert %s failed", table)
	}
	return errors.Wrapf(tx.Commit(), "commit %s failed", table)
}
