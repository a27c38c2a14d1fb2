package capture

import (
	"errors"
)

var ErrNotRunning = errors.New("capture session is not running")
var ErrNoDevice = errors.New("no capture device available")
var ErrUnsupported = errors.New("capability not supported")
var ErrInvalidArgument = errors.New("invalid argument")
