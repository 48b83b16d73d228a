package chat

import (
	"errors"

	"github.com/gorilla/websocket"

	errs "ChatGateway/tools/errs"
)

// Close code space. 1000/1001 are the standard codes; 4xxx are application
// codes clients use to pick a retry strategy (new token vs back off vs stop).
const (
	CloseNormal              = websocket.CloseNormalClosure
	CloseShutdown            = websocket.CloseGoingAway
	CloseProtocolViolation   = websocket.ClosePolicyViolation
	CloseMissingToken        = 4001
	CloseInvalidToken        = 4002
	CloseExpiredToken        = 4003
	CloseVerifierUnavailable = 4006
	CloseBadHandshake        = 4008
	CloseIdleTimeout         = 4009
)

// CloseCodeFor maps a handshake error onto its close code.
func CloseCodeFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrTokenMissing):
		return CloseMissingToken
	case errors.Is(err, errs.ErrTokenExpired):
		return CloseExpiredToken
	case errors.Is(err, errs.ErrTokenInvalid):
		return CloseInvalidToken
	case errors.Is(err, errs.ErrVerifierUnavailable):
		return CloseVerifierUnavailable
	case errors.Is(err, errs.ErrForbidden):
		return CloseProtocolViolation
	}
	return CloseBadHandshake
}
