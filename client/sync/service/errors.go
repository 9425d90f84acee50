package service

import "errors"

var (
	// ErrAuthentication is fatal for the session: surfaced to the caller,
	// never retried by the backoff loop.
	ErrAuthentication = errors.New("authentication failed")

	ErrNotConnected        = errors.New("push connection is not established")
	ErrConversationNotOpen = errors.New("conversation is not open")
	ErrMessageNotFound     = errors.New("message not found")
	ErrDuplicateSend       = errors.New("duplicate client message id")
	ErrSendFailed          = errors.New("message send failed")
)
