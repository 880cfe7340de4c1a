package decrypt

import (
	"errors"
	"strings"

	"cipherlink/internal/domain"
)

// permanentPatterns are protocol error texts that retrying can never fix:
// the message was sealed under ratchet state this device does not have.
var permanentPatterns = []string{
	"message key not found",
	"counter was repeated",
	"session has been reset",
	"bad mac",
	"invalid mac",
	"mac check failed",
	"no record for device",
	"no session for device",
	"invalid ciphertext",
}

// IsPermanent reports whether err belongs to the permanent half of the
// failure taxonomy. Everything else is treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrMissingCiphertext) || errors.Is(err, domain.ErrSessionCorruption) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

const failedPrefix = "[🔒 Decryption failed: "

// failedText renders a transient failure for display.
func failedText(err error) string {
	msg := []rune(err.Error())
	if len(msg) > 50 {
		msg = msg[:50]
	}
	return failedPrefix + string(msg) + "]"
}

// isRetryableText reports whether text is one of the transient placeholders.
func isRetryableText(text string) bool {
	return text == PendingText || text == NotInitializedText || strings.HasPrefix(text, failedPrefix)
}
