package chat

import (
	"fmt"
	"unicode/utf8"

	"github.com/whisper/livechat/internal/apperr"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that a chat message meets content requirements.
// Failures are apperr.KindInvalid with a client-safe message.
func ValidateMessage(text string) error {
	var err error
	switch {
	case len(text) == 0:
		err = fmt.Errorf("message text is empty")
	case len(text) > MaxMessageBytes:
		err = fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	case !utf8.ValidString(text):
		err = fmt.Errorf("message contains invalid UTF-8")
	case utf8.RuneCountInString(text) > MaxTextChars:
		err = fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, err, err.Error())
	}
	return nil
}
