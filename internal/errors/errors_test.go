package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrEmptyContent,
		ErrConversationNotFound,
		ErrConversationBlocked,
		ErrConversationClosed,
		ErrMessageNotFound,
		ErrEngineClosed,
		ErrTransportUnavailable,
		ErrCircuitOpen,
		ErrAPIRequest,
		ErrAPIResponse,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("sending to c1: %w", ErrConversationBlocked)
	assert.ErrorIs(t, wrapped, ErrConversationBlocked)
	assert.NotErrorIs(t, wrapped, ErrConversationClosed)
}
