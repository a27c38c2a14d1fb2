package broadcast

import "errors"

var (
	// ErrNoSession is returned when an operation needs a broadcast
	// handle but Setup has not produced one.
	ErrNoSession = errors.New("no broadcast session")

	// ErrNotCapturing is returned when a camera or clip operation
	// runs before StartSession.
	ErrNotCapturing = errors.New("capture session is not running")

	// ErrUnknownLens is returned for lens ids outside the known set.
	ErrUnknownLens = errors.New("unknown lens id")
)
