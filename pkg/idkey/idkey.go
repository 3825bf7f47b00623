// Package idkey derives the document identifier used to deduplicate messages
// within a batch and to make sink writes idempotent across redeliveries.
package idkey

import (
	"crypto/sha1" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/xboshy/bulkbridge/pkg/queue"
)

// Mode selects how a message maps to its idempotency key.
type Mode int

const (
	// ModeNone never yields a key; the sink allocates identifiers.
	ModeNone Mode = iota
	// ModeMsgID keys on the queue identifier and publish time.
	ModeMsgID
	// ModeHash keys on the SHA-1 of the payload.
	ModeHash
	// ModeKey keys on the application message key.
	ModeKey
	// ModeKeyHash keys on the message key plus the SHA-1 of the payload.
	ModeKeyHash
)

var ErrInvalidMode = errors.New("invalid id mode")

var modeNames = map[Mode]string{
	ModeNone:    "NONE",
	ModeMsgID:   "MSGID",
	ModeHash:    "HASH",
	ModeKey:     "KEY",
	ModeKeyHash: "KEYHASH",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "Mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == upper {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// UnmarshalText lets Mode be decoded directly from configuration.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Selector computes keys for a single mode. It owns a digest and is not safe
// for concurrent use; give each worker its own Selector.
type Selector struct {
	mode   Mode
	digest hash.Hash
	keyFn  func(msg queue.Message) (string, bool)
}

// NewSelector resolves the key strategy for mode once.
func NewSelector(mode Mode) (*Selector, error) {
	s := &Selector{mode: mode, digest: sha1.New()} //nolint:gosec // see import
	switch mode {
	case ModeNone:
		s.keyFn = func(queue.Message) (string, bool) { return "", false }
	case ModeMsgID:
		s.keyFn = msgIDKey
	case ModeHash:
		s.keyFn = s.hashKey
	case ModeKey:
		s.keyFn = appKey
	case ModeKeyHash:
		s.keyFn = s.keyHashKey
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	return s, nil
}

// Mode returns the selector's mode.
func (s *Selector) Mode() Mode {
	return s.mode
}

// Key returns the idempotency key for msg. ok is false when no key can be
// derived, in which case the message is never deduplicated.
func (s *Selector) Key(msg queue.Message) (key string, ok bool) {
	return s.keyFn(msg)
}

func msgIDKey(msg queue.Message) (string, bool) {
	id := base64.StdEncoding.EncodeToString(msg.ID().Serialize())
	return id + "-" + strconv.FormatInt(msg.PublishTime().UnixMilli(), 10), true
}

// hashKey returns "" for an empty payload: that still counts as a key, so
// all empty payloads in a batch collapse into one document.
func (s *Selector) hashKey(msg queue.Message) (string, bool) {
	payload := msg.Payload()
	if len(payload) == 0 {
		return "", true
	}
	return s.sum(payload), true
}

func appKey(msg queue.Message) (string, bool) {
	key := msg.Key()
	if key == "" {
		return "", false
	}
	return key, true
}

func (s *Selector) keyHashKey(msg queue.Message) (string, bool) {
	key := msg.Key()
	if key == "" {
		return "", false
	}
	payload := msg.Payload()
	if len(payload) == 0 {
		return key, true
	}
	return key + "-" + s.sum(payload), true
}

func (s *Selector) sum(b []byte) string {
	s.digest.Reset()
	s.digest.Write(b) //nolint:errcheck // hash.Hash writes never fail
	return hex.EncodeToString(s.digest.Sum(nil))
}
