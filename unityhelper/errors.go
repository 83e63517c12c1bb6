package unityhelper

import (
	"errors"
	"fmt"
)

const (
	msgUpstreamTimeout = "The request timed out. Please try again in a moment."
	msgUpstreamFailure = "Sorry, I'm having trouble with the AI service right now."
	msgGenericError    = "Sorry, I encountered an error."
)

// userMessage returns the text shown to a discord user when their
// command fails with err.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return msgUpstreamTimeout
	case errors.Is(err, ErrUpstreamFailure):
		return msgUpstreamFailure
	case errors.Is(err, ErrOversizeInput):
		return "Your input is too long. Please shorten it and try again."
	default:
		return msgGenericError
	}
}

func oversizeMessage(length int, maxLength int) string {
	return fmt.Sprintf(
		"Your input is too long (%d characters, max %d). Please shorten it and try again.",
		length,
		maxLength,
	)
}

func throttledMessage(d Decision) string {
	secs := d.RetryAfterSeconds()
	unit := "seconds"
	if secs == 1 {
		unit = "second"
	}
	return fmt.Sprintf(
		"You're sending requests too quickly. Please try again in %d %s.",
		secs,
		unit,
	)
}
