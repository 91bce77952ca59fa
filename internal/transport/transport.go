// Package transport defines the outbound chat transport contract and the
// wrappers the daemon layers on top of a concrete adapter.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrCredentialExpired means the transport rejected our credentials.
	// Retrying cannot succeed until an operator rotates them.
	ErrCredentialExpired = errors.New("transport credentials expired")

	// ErrMediaUnavailable is returned by transports that cannot fetch media.
	ErrMediaUnavailable = errors.New("media download not supported")
)

// Transport delivers text to a contact and fetches inbound media.
type Transport interface {
	// Send delivers one message part and returns the transport's delivery id.
	Send(ctx context.Context, contactRef, text string) (string, error)

	// DownloadMedia returns the bytes behind an inbound media reference.
	DownloadMedia(ctx context.Context, ref string) ([]byte, error)
}
