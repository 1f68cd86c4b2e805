package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"clashcaller/internal/callout"
)

// Classified platform failures. Adapters wrap these so callers can use errors.Is.
var (
	// ErrGone means the referenced message or chat no longer exists.
	ErrGone = errors.New("target gone")
	// ErrUnreachable means the bot may not post there (blocked, kicked, muted).
	ErrUnreachable = errors.New("target unreachable")
	// ErrRejected means the platform refused the request itself.
	ErrRejected = errors.New("request rejected")
)

// Permanent reports whether err can never succeed on retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrGone) || errors.Is(err, ErrUnreachable) || errors.Is(err, ErrRejected)
}

// Page is one bounded slice of an inbound stream.
// Next is the highest position observed, including items the adapter filtered out.
type Page struct {
	Items []callout.RawItem
	Next  int64
}

const refPrefix = "telegram:"

// MessageRef identifies one message on the platform.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) String() string {
	return refPrefix + strconv.FormatInt(r.ChatID, 10) + ":" + strconv.Itoa(r.MessageID)
}

// ParseRef parses "telegram:<chat_id>:<message_id>".
func ParseRef(s string) (MessageRef, error) {
	rest, ok := strings.CutPrefix(s, refPrefix)
	if !ok {
		return MessageRef{}, fmt.Errorf("source ref %q: unknown platform", s)
	}
	chat, msg, ok := strings.Cut(rest, ":")
	if !ok {
		return MessageRef{}, fmt.Errorf("source ref %q: missing message id", s)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("source ref %q: chat id: %w", s, err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil || msgID <= 0 {
		return MessageRef{}, fmt.Errorf("source ref %q: bad message id", s)
	}
	return MessageRef{ChatID: chatID, MessageID: msgID}, nil
}
