package chat

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/chatserver/internal/auth"
	"github.com/cory-johannsen/chatserver/internal/registry"
)

// Error kinds reported to clients as type=error envelopes. Registry and auth
// sentinels are re-exported so callers only need this package.
var (
	ErrInvalidChannel   = registry.ErrInvalidChannel
	ErrNameTaken        = registry.ErrNameTaken
	ErrNotFound         = registry.ErrNotFound
	ErrTransportClosed  = registry.ErrPeerClosed
	ErrAuthFailed       = auth.ErrAuthFailed
	ErrPermissionDenied = errors.New("permission denied")
	ErrBadCommand       = errors.New("bad command")
)

// userError pairs an error kind with the text shown to the client.
type userError struct {
	kind error
	text string
}

func (e *userError) Error() string { return e.text }
func (e *userError) Unwrap() error { return e.kind }

// userErrorf builds an error whose message is safe to send to the client.
func userErrorf(kind error, format string, args ...any) error {
	return &userError{kind: kind, text: fmt.Sprintf(format, args...)}
}

// clientText returns the message to send for err.
func clientText(err error) string {
	var ue *userError
	if errors.As(err, &ue) {
		return ue.text
	}
	switch {
	case errors.Is(err, ErrInvalidChannel):
		return "channel does not exist or is not allowed"
	case errors.Is(err, ErrNameTaken):
		return "username already exists in that channel, choose another"
	case errors.Is(err, ErrNotFound):
		return "no such user or channel"
	case errors.Is(err, ErrAuthFailed):
		return "wrong password, cannot log in as administrator"
	case errors.Is(err, ErrPermissionDenied):
		return "you do not have permission to run this command"
	case errors.Is(err, registry.ErrSelfTarget):
		return "you cannot target your own session"
	}
	return "request failed"
}
