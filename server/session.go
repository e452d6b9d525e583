package server

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"relaychat/models"
)

// bindSession records addr as the address username last used. Unknown
// usernames are not bound.
func (s *Server) bindSession(username, addr string) {
	if _, ok := s.users.Get(username); !ok {
		return
	}
	sess, ok := s.sessions[username]
	if !ok {
		sess = &models.Session{Login: username}
		s.sessions[username] = sess
	}
	sess.Addr = addr
	sess.LastSeen = time.Now()
}

// SessionAddr returns the address username last used.
func (s *Server) SessionAddr(username string) (string, bool) {
	sess, ok := s.sessions[username]
	if !ok {
		return "", false
	}
	return sess.Addr, true
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	users := make([]string, 0, len(s.sessions))
	for login := range s.sessions {
		users = append(users, login)
	}
	sort.Strings(users)

	return "connections=" + strconv.Itoa(len(s.sessions)) +
		",users=" + strings.Join(users, ";") +
		",served=" + strconv.Itoa(s.served)
}
