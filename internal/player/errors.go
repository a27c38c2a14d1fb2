package player

import (
	"errors"
	"net"
)

var ErrNoActiveSession = errors.New("no active player session")
var ErrUnknownSession = errors.New("unknown player session")
var ErrNetwork = errors.New("network playback error")

// isNetworkError decides whether a playback error is worth a bounded
// automatic retry. Anything else is surfaced and left alone.
func isNetworkError(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
