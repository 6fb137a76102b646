package chat

import (
	"errors"

	"github.com/user/chatbot/pkg/api"
)

var (
	// ErrThrottled is returned by Send when a send for the same conversation
	// happened within the throttle window.
	ErrThrottled = errors.New("send throttled")
	// ErrNoConversation is returned for an empty conversation id.
	ErrNoConversation = errors.New("no conversation")
	// ErrFileTooLarge is reported for uploads above the configured limit.
	ErrFileTooLarge = errors.New("file too large")
)

// detail extracts the text shown to the user for a failed request.
func detail(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}
