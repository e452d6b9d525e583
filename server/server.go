package server

import (
	"context"
	"net"
	"strconv"
	"time"

	"relaychat/directory"
	"relaychat/models"
	"relaychat/protocol"
	"relaychat/reliable"
	"relaychat/store"
	"relaychat/transport"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Defaults applied to zero ServerConfig fields.
const (
	DefaultPort       = 12000
	DefaultBufferSize = 2048
)

type Server struct {
	users    *directory.Directory
	messages *store.Store
	config   *ServerConfig
	sessions map[string]*models.Session
	handlers map[string]handlerFunc
	served   int
}

type ServerConfig struct {
	Host        string
	Port        int
	BufferSize  int
	Timeout     time.Duration
	MaxRetries  int
	BackoffUnit time.Duration
	BackoffCap  time.Duration
}

// New creates a Server that owns users and messages. Nothing else may touch
// them while the server runs.
func New(users *directory.Directory, messages *store.Store, config *ServerConfig) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.Timeout == 0 {
		config.Timeout = reliable.DefaultTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = reliable.DefaultMaxRetries
	}
	if config.BackoffUnit == 0 {
		config.BackoffUnit = reliable.DefaultBackoffUnit
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = reliable.DefaultBackoffCap
	}

	s := &Server{
		users:    users,
		messages: messages,
		config:   config,
		sessions: make(map[string]*models.Session),
	}
	s.handlers = map[string]handlerFunc{
		protocol.TypeConnect:  s.handleConnect,
		protocol.TypeList:     s.handleList,
		protocol.TypeSend:     s.handleSend,
		protocol.TypeRetrieve: s.handleRetrieve,
	}
	return s
}

// Start binds the UDP socket and serves until ctx is cancelled. A socket
// that cannot be bound is fatal.
func (s *Server) Start(ctx context.Context) error {
	address := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	conn, err := transport.ListenUDP(address, s.config.Timeout, s.config.BufferSize)
	if err != nil {
		return errors.Wrap(err, "initialize socket failed")
	}
	defer conn.Close()

	logger.WithField("addr", conn.LocalAddr().String()).Info("server initialized")
	return s.Serve(ctx, conn)
}

// Serve loads state and runs the receive/process/respond loop on conn.
// Requests are handled strictly one after another.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	messenger, err := reliable.New(conn,
		reliable.WithTimeout(s.config.Timeout),
		reliable.WithMaxRetries(s.config.MaxRetries),
		reliable.WithBackoff(s.config.BackoffUnit, s.config.BackoffCap),
		reliable.WithLogger(logger),
	)
	if err != nil {
		return errors.Wrap(err, "create messenger failed")
	}

	s.users.Load()
	s.messages.Load()
	logger.Info("server is ready to receive messages")

	for {
		dg, err := messenger.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.WithField("stats", s.GetStats()).Info("server stopped")
				return nil
			}
			if transport.IsTimeout(err) {
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				return errors.Wrap(err, "receive failed")
			}
			logger.WithError(err).Error("error in main loop")
			continue
		}

		next := &dg
		for next != nil {
			next = s.handleDatagram(ctx, messenger, *next)
		}
	}
}

// handleDatagram acknowledges dg, dispatches it and delivers the response.
// It returns a datagram the peer sent instead of the final ACK, if any.
func (s *Server) handleDatagram(ctx context.Context, messenger *reliable.Messenger, dg transport.Datagram) *transport.Datagram {
	payload := string(dg.Payload)
	log := logger.WithFields(logrus.Fields{
		"from":    dg.From.String(),
		"payload": payload,
	})
	if protocol.IsAck(payload) {
		log.Debug("ignoring stray acknowledgment")
		return nil
	}

	if err := messenger.Acknowledge(dg.From); err != nil {
		log.WithError(err).Warn("immediate acknowledgment failed")
	}

	response := s.Dispatch(payload, dg.From)
	s.served++

	next, err := messenger.Deliver(ctx, response, dg.From)
	if err != nil {
		log.WithError(err).Error("deliver response failed")
		return nil
	}
	return next
}

// Dispatch routes one command to its handler and returns the response.
func (s *Server) Dispatch(payload string, from net.Addr) string {
	pkt, err := protocol.ParsePacket(payload)
	if err != nil {
		logger.WithError(err).Warn("malformed command received")
		return protocol.Error(protocol.ReasonUnknownCommand)
	}

	handler, ok := s.handlers[pkt.Type]
	if !ok {
		logger.WithField("command", pkt.Type).Warn("unknown command received")
		return protocol.Error(protocol.ReasonUnknownCommand)
	}
	return handler(pkt, from.String())
}
