package transport

import "errors"

var (
	// ErrNoListenerAvailable is returned when no listener can accept.
	ErrNoListenerAvailable = errors.New("no listeners available")
	// ErrConnectionPoolFull is returned when MaxConnections sockets are attached.
	ErrConnectionPoolFull = errors.New("connection pool full")
	// ErrInvalidPacingOption is returned for a zero bytes-per-second rate.
	ErrInvalidPacingOption = errors.New("bytes per second must be positive")
	// ErrFrameTooLarge is returned for socket frames above MaxSocketFrameSize.
	ErrFrameTooLarge = errors.New("socket frame too large")
	// ErrBadHello is returned when the remote end does not identify itself.
	ErrBadHello = errors.New("invalid socket link hello")
)
