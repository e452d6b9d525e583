// Package client is the programmatic chat client. Every call is one reliable
// handshake with the server; nothing runs in the background.
package client

import (
	"context"
	"net"

	"relaychat/protocol"
	"relaychat/reliable"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ErrNotConnected is returned by calls that need a connected username.
var ErrNotConnected = errors.New("not connected to server")

// Client talks to one server through a Messenger.
type Client struct {
	messenger *reliable.Messenger
	server    net.Addr
	username  string
}

func New(messenger *reliable.Messenger, server net.Addr) *Client {
	return &Client{
		messenger: messenger,
		server:    server,
	}
}

// Username is the name of the last successful Connect.
func (c *Client) Username() string {
	return c.username
}

// SetUsername adopts username without a CONNECT round trip, for callers that
// connected in an earlier process.
func (c *Client) SetUsername(username string) {
	c.username = username
}

func (c *Client) request(ctx context.Context, payload string) (*protocol.Packet, error) {
	reply, err := c.messenger.Exchange(ctx, payload, c.server)
	if err != nil {
		return nil, errors.Wrap(err, "exchange failed")
	}
	return protocol.DecodeResponse(reply.Payload)
}

// Connect registers username with the server.
func (c *Client) Connect(ctx context.Context, username, firstName string) error {
	pkt, err := c.request(ctx, protocol.Connect(username, firstName))
	if err != nil {
		return err
	}
	if pkt.Type != protocol.TypeConnect {
		return errors.Wrapf(protocol.ErrUnexpectedType, "want %s, got %s", protocol.TypeConnect, pkt.Type)
	}
	c.username = username
	logger.WithField("username", username).Info("successfully connected user")
	return nil
}

// ListUsers returns every user the server knows except this client.
func (c *Client) ListUsers(ctx context.Context) ([]protocol.Listing, error) {
	if c.username == "" {
		return nil, ErrNotConnected
	}
	pkt, err := c.request(ctx, protocol.List(c.username))
	if err != nil {
		return nil, err
	}
	users, err := protocol.DecodeUserList(pkt)
	if err != nil {
		return nil, errors.Wrap(err, "parse user list failed")
	}
	return users, nil
}

// SendMessage sends content to recipient. content must not contain the
// field delimiter.
func (c *Client) SendMessage(ctx context.Context, recipient, content string) error {
	if c.username == "" {
		return ErrNotConnected
	}
	pkt, err := c.request(ctx, protocol.Send(c.username, recipient, content))
	if err != nil {
		return err
	}
	if pkt.Type != protocol.TypeSuccess {
		return errors.Wrapf(protocol.ErrUnexpectedType, "want %s, got %s", protocol.TypeSuccess, pkt.Type)
	}
	return nil
}

// RetrieveMessages fetches the messages sender sent this client that it has
// not retrieved before.
func (c *Client) RetrieveMessages(ctx context.Context, sender string) ([]string, error) {
	if c.username == "" {
		return nil, ErrNotConnected
	}
	pkt, err := c.request(ctx, protocol.Retrieve(sender, c.username))
	if err != nil {
		return nil, err
	}
	r, err := protocol.DecodeRetrieve(pkt)
	if err != nil {
		return nil, errors.Wrap(err, "parse messages failed")
	}
	return r.Messages, nil
}
