package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Frame types
const (
	TypeAck      = "ACK"
	TypeConnect  = "CONNECT"
	TypeList     = "LIST"
	TypeSend     = "SEND"
	TypeRetrieve = "RETRIEVE"
	TypeSuccess  = "SUCCESS"
	TypeError    = "ERROR"
)

// Delimiter separates fields. It is never escaped.
const Delimiter = "|"

// NoOtherUsers is the LIST payload when nobody else is registered.
const NoOtherUsers = "Currently No Other Users Registered"

// Failure reasons sent back in ERROR responses.
const (
	ReasonUnknownCommand = "Unknown command"
	ReasonConnectFailed  = "Connection failed"
	ReasonListFailed     = "Failed to retrieve user list"
	ReasonSendFailed     = "Failed to send message"
	ReasonRetrieveFailed = "Failed to retrieve messages"
)

// MessageSent is the SUCCESS payload of a SEND.
const MessageSent = "Message sent"

var (
	ErrEmptyPacket    = errors.New("empty packet")
	ErrFieldCount     = errors.New("unexpected field count")
	ErrUnexpectedType = errors.New("unexpected response type")
	ErrMalformedEntry = errors.New("malformed user entry")
	ErrMalformedCount = errors.New("malformed message count")
)

// Packet is a decoded frame: the leading type token and the fields after it.
type Packet struct {
	Type   string
	Fields []string
}

// ParsePacket splits line on the delimiter and trims every field.
func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyPacket
	}
	parts := strings.Split(line, Delimiter)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return &Packet{
		Type:   parts[0],
		Fields: parts[1:],
	}, nil
}

// Expect returns the fields if there are exactly n of them.
func (p *Packet) Expect(n int) ([]string, error) {
	if len(p.Fields) != n {
		return nil, errors.Wrapf(ErrFieldCount, "%s: want %d fields, got %d", p.Type, n, len(p.Fields))
	}
	return p.Fields, nil
}

// IsAck reports whether payload is the bare acknowledgment frame.
func IsAck(payload string) bool {
	return payload == TypeAck
}

// FormatPacket joins the type and fields with the delimiter.
func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, pktType)
	parts = append(parts, fields...)
	return strings.Join(parts, Delimiter)
}

// Client commands

func Connect(username, firstName string) string {
	return FormatPacket(TypeConnect, username, firstName)
}

func List(username string) string {
	return FormatPacket(TypeList, username)
}

func Send(from, to, content string) string {
	return FormatPacket(TypeSend, from, to, content)
}

// Retrieve asks for messages sent by from to requester.
func Retrieve(from, requester string) string {
	return FormatPacket(TypeRetrieve, from, requester)
}

// Server responses

func ConnectOK(username, firstName string) string {
	return FormatPacket(TypeConnect, username, firstName, "True")
}

// UserEntry renders one LIST item, e.g. "alice-Online-True".
func UserEntry(username string, online bool) string {
	return username + "-Online-" + pyBool(online)
}

func ListOK(entries []string) string {
	if len(entries) == 0 {
		return FormatPacket(TypeList, NoOtherUsers)
	}
	return FormatPacket(TypeList, entries...)
}

func SendOK() string {
	return FormatPacket(TypeSuccess, MessageSent)
}

// RetrieveOK renders RETRIEVE|to|from|count|msg1|msg2... A zero count still
// carries one empty trailing field.
func RetrieveOK(to, from string, contents []string) string {
	return FormatPacket(TypeRetrieve, to, from, strconv.Itoa(len(contents)), strings.Join(contents, Delimiter))
}

func Error(reason string) string {
	return FormatPacket(TypeError, reason)
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// RemoteError is an ERROR response returned by the peer.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error: %s", e.Reason)
}

// DecodeResponse parses a server response. ERROR frames become a
// *RemoteError.
func DecodeResponse(payload string) (*Packet, error) {
	if payload == TypeError || strings.HasPrefix(payload, TypeError+Delimiter) {
		reason := ""
		if _, after, ok := strings.Cut(payload, Delimiter); ok {
			reason = after
		}
		return nil, &RemoteError{Reason: reason}
	}
	return ParsePacket(payload)
}

// Listing is one decoded LIST item.
type Listing struct {
	Username string
	Online   bool
}

// DecodeUserList parses the fields of a LIST response.
func DecodeUserList(p *Packet) ([]Listing, error) {
	if p.Type != TypeList {
		return nil, errors.Wrapf(ErrUnexpectedType, "want %s, got %s", TypeList, p.Type)
	}
	if len(p.Fields) == 1 && p.Fields[0] == NoOtherUsers {
		return nil, nil
	}
	listings := make([]Listing, 0, len(p.Fields))
	for _, entry := range p.Fields {
		parts := strings.Split(entry, "-")
		if len(parts) != 3 {
			return nil, errors.Wrapf(ErrMalformedEntry, "%q", entry)
		}
		listings = append(listings, Listing{
			Username: parts[0],
			Online:   strings.EqualFold(parts[2], "true"),
		})
	}
	return listings, nil
}

// Retrieval is a decoded RETRIEVE response.
type Retrieval struct {
	To       string
	From     string
	Count    int
	Messages []string
}

// DecodeRetrieve parses RETRIEVE|to|from|count|msgs... Count is the
// server's figure; Messages is whatever fields followed it.
func DecodeRetrieve(p *Packet) (*Retrieval, error) {
	if p.Type != TypeRetrieve {
		return nil, errors.Wrapf(ErrUnexpectedType, "want %s, got %s", TypeRetrieve, p.Type)
	}
	if len(p.Fields) < 3 {
		return nil, errors.Wrapf(ErrFieldCount, "%s: want at least 3 fields, got %d", p.Type, len(p.Fields))
	}
	count, err := strconv.Atoi(p.Fields[2])
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCount, err.Error())
	}
	r := &Retrieval{
		To:    p.Fields[0],
		From:  p.Fields[1],
		Count: count,
	}
	if count > 0 {
		r.Messages = p.Fields[3:]
	}
	return r, nil
}
