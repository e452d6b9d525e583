package server

import (
	"relaychat/protocol"

	"github.com/sirupsen/logrus"
)

// handlerFunc handles one decoded command from addr. It always returns
// exactly one response.
type handlerFunc func(pkt *protocol.Packet, addr string) string

func (s *Server) handleConnect(pkt *protocol.Packet, addr string) string {
	fields, err := pkt.Expect(2)
	if err != nil {
		logger.WithError(err).Error("error handling connect")
		return protocol.Error(protocol.ReasonConnectFailed)
	}
	username, firstName := fields[0], fields[1]

	if _, err := s.users.Connect(username, firstName, addr); err != nil {
		logger.WithError(err).Error("error handling connect")
		return protocol.Error(protocol.ReasonConnectFailed)
	}
	s.bindSession(username, addr)
	s.saveUsers()

	logger.WithFields(logrus.Fields{
		"username": username,
		"addr":     addr,
	}).Info("user connected")
	return protocol.ConnectOK(username, firstName)
}

func (s *Server) handleList(pkt *protocol.Packet, addr string) string {
	fields, err := pkt.Expect(1)
	if err != nil {
		logger.WithError(err).Error("error handling list")
		return protocol.Error(protocol.ReasonListFailed)
	}
	requester := fields[0]
	s.bindSession(requester, addr)

	// a requester bound to addr is left out even when its stored record
	// points at another address
	self := ""
	if bound, ok := s.SessionAddr(requester); ok && bound == addr {
		self = requester
	}
	users := s.users.List(addr)
	entries := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username == self {
			continue
		}
		entries = append(entries, protocol.UserEntry(u.Username, u.Online))
	}
	return protocol.ListOK(entries)
}

func (s *Server) handleSend(pkt *protocol.Packet, addr string) string {
	fields, err := pkt.Expect(3)
	if err != nil {
		logger.WithError(err).Error("error handling send")
		return protocol.Error(protocol.ReasonSendFailed)
	}
	from, to, content := fields[0], fields[1], fields[2]

	msg, err := s.messages.Append(from, to, content)
	if err != nil {
		logger.WithError(err).Error("error handling send")
		return protocol.Error(protocol.ReasonSendFailed)
	}
	s.bindSession(from, addr)
	s.saveMessages()

	logger.WithFields(logrus.Fields{
		"id":   msg.ID,
		"from": from,
		"to":   to,
	}).Info("message sent")
	return protocol.SendOK()
}

func (s *Server) handleRetrieve(pkt *protocol.Packet, addr string) string {
	fields, err := pkt.Expect(2)
	if err != nil {
		logger.WithError(err).Error("error handling retrieve")
		return protocol.Error(protocol.ReasonRetrieveFailed)
	}
	from, to := fields[0], fields[1]
	s.bindSession(to, addr)

	contents := s.messages.Retrieve(from, to)
	if len(contents) > 0 {
		s.saveMessages()
	}

	logger.WithFields(logrus.Fields{
		"from":  from,
		"to":    to,
		"count": len(contents),
	}).Info("messages retrieved")
	return protocol.RetrieveOK(to, from, contents)
}

// Persistence failures never fail the command; memory stays authoritative.

func (s *Server) saveUsers() {
	if err := s.users.Save(); err != nil {
		logger.WithError(err).Error("failed to save data")
	}
}

func (s *Server) saveMessages() {
	if err := s.messages.Save(); err != nil {
		logger.WithError(err).Error("failed to save data")
	}
}
