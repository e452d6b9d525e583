package db

import (
	"sync"

	"relaychat/models"
)

// Memory keeps the last saved collections in process memory. Nothing
// survives a restart.
type Memory struct {
	mu       sync.Mutex
	users    []models.User
	messages []models.Message
	saveErr  error
	saves    int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) LoadUsers() ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.User(nil), m.users...), nil
}

func (m *Memory) SaveUsers(users []models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.users = append([]models.User(nil), users...)
	return nil
}

func (m *Memory) LoadMessages() ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...), nil
}

func (m *Memory) SaveMessages(messages []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.messages = append([]models.Message(nil), messages...)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// FailSaves makes every following save return err. nil restores saving.
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Saves reports how many saves were attempted.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
