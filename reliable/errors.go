package reliable

import "github.com/pkg/errors"

// ErrCommunication indicates that every attempt of an exchange went unacknowledged.
var ErrCommunication = errors.New("failed to communicate with peer after retries")

// ErrInvalidCfg indicates a Messenger option with an out of range value.
var ErrInvalidCfg = errors.New("invalid messenger configuration")
