package models

import (
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Files written by earlier releases of the relay store the address as a
// [host, port] pair and times without a zone offset. Both shapes decode;
// encoding always uses the current one.

// naiveLayout is an ISO 8601 timestamp without offset, read as local time.
const naiveLayout = "2006-01-02T15:04:05.999999999"

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var raw struct {
		plain
		Address  json.RawMessage `json:"address"`
		LastSeen string          `json:"last_seen"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	addr, err := decodeAddress(raw.Address)
	if err != nil {
		return errors.Wrapf(err, "user %q", raw.Username)
	}
	seen, err := decodeTime(raw.LastSeen)
	if err != nil {
		return errors.Wrapf(err, "user %q", raw.Username)
	}
	*u = User(raw.plain)
	u.Address = addr
	u.LastSeen = seen
	return nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var raw struct {
		plain
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := decodeTime(raw.Timestamp)
	if err != nil {
		return errors.Wrapf(err, "message from %q", raw.Sender)
	}
	*m = Message(raw.plain)
	m.Timestamp = ts
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

func decodeAddress(data json.RawMessage) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	var addr string
	if err := json.Unmarshal(data, &addr); err == nil {
		return addr, nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) != 2 {
		return "", errors.Errorf("address %s is neither host:port nor [host, port]", data)
	}
	var host string
	var port int
	if err := json.Unmarshal(pair[0], &host); err != nil {
		return "", errors.Wrap(err, "decode address host failed")
	}
	if err := json.Unmarshal(pair[1], &port); err != nil {
		return "", errors.Wrap(err, "decode address port failed")
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.Local)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q failed", s)
	}
	return t, nil
}
