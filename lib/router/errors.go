package router

import (
	"errors"

	"github.com/go-i2p/go-overnet/lib/secure"
	"github.com/go-i2p/go-overnet/lib/transport"
)

var (
	// ErrConfig reports a missing or unreadable certificate or key file.
	ErrConfig = secure.ErrConfig
	// ErrInvalidPacingOption is returned by AttachSocketLink for a zero byte rate.
	ErrInvalidPacingOption = transport.ErrInvalidPacingOption

	// ErrLoopbackNotAllowed is returned when a peer for the local node is requested.
	ErrLoopbackNotAllowed = errors.New("peer for the local node is not allowed")
	// ErrPeerCreation wraps failures to construct a peer.
	ErrPeerCreation = errors.New("peer creation failed")
	// ErrLinkCreation wraps failures to construct a link.
	ErrLinkCreation = errors.New("link creation failed")
	// ErrAlreadyListening is returned when the peer list is already being watched.
	ErrAlreadyListening = errors.New("already listening for peer list changes")
	// ErrRouterClosed is returned by operations on a closed router.
	ErrRouterClosed = errors.New("router closed")
)
