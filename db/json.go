package db

import (
	"encoding/json"
	"os"
	"path/filepath"

	"relaychat/models"

	"github.com/pkg/errors"
)

const lockFile = ".lock"

// JSONFiles stores each collection as a JSON array in its own file.
type JSONFiles struct {
	dir          string
	usersFile    string
	messagesFile string
}

func NewJSONFiles(dir, usersFile, messagesFile string) (*JSONFiles, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s failed", dir)
	}
	return &JSONFiles{
		dir:          dir,
		usersFile:    usersFile,
		messagesFile: messagesFile,
	}, nil
}

func (j *JSONFiles) LoadUsers() ([]models.User, error) {
	var users []models.User
	if err := j.load(j.usersFile, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (j *JSONFiles) SaveUsers(users []models.User) error {
	if users == nil {
		users = []models.User{}
	}
	return j.save(j.usersFile, users)
}

func (j *JSONFiles) LoadMessages() ([]models.Message, error) {
	var messages []models.Message
	if err := j.load(j.messagesFile, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (j *JSONFiles) SaveMessages(messages []models.Message) error {
	if messages == nil {
		messages = []models.Message{}
	}
	return j.save(j.messagesFile, messages)
}

func (j *JSONFiles) Close() error {
	return nil
}

func (j *JSONFiles) load(name string, v any) error {
	path := filepath.Join(j.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrNotFound, path)
		}
		return errors.Wrapf(err, "read %s failed", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	return nil
}

// save replaces name with the encoding of v. Readers see the old file or
// the new one, never a partial write; concurrent savers queue on lockFile.
func (j *JSONFiles) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s failed", name)
	}
	data = append(data, '\n')

	unlock, err := lock(filepath.Join(j.dir, lockFile))
	if err != nil {
		return errors.Wrapf(err, "lock %s failed", j.dir)
	}
	defer unlock()

	tmp, err := os.CreateTemp(j.dir, "."+name+".*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s failed", name)
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write %s failed", name)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "sync %s failed", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s failed", name)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(j.dir, name)); err != nil {
		return errors.Wrapf(err, "replace %s failed", name)
	}
	renamed = true

	// the rename is durable once the directory entry is
	if d, err := os.Open(j.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
