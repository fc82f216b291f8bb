package secmem

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bmagent/agent/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// SecureString carries the server key from config load to the dial URL.
// Formatting or marshaling it shows a placeholder instead of the key. The
// agent wipes it on shutdown; copies the runtime made earlier are out of
// reach.
type SecureString struct {
	mu     sync.Mutex
	data   []byte
	wiped  bool
	warned atomic.Bool
}

func NewSecureString(s string) *SecureString {
	return &SecureString{data: []byte(s)}
}

// Reveal hands out the key for building the connection URL. After a wipe it
// yields "" and warns once.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	wiped, val := s.wiped, string(s.data)
	s.mu.Unlock()

	if wiped && s.warned.CompareAndSwap(false, true) {
		log.Warn("secret read after it was wiped")
	}
	return val
}

// Hint shows the first four bytes of keys longer than eight, so an operator
// can tell two keys apart. Shorter keys are fully masked.
func (s *SecureString) Hint() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch n := len(s.data); {
	case n == 0:
		return ""
	case n <= 8:
		return "****"
	default:
		return string(s.data[:4]) + "****"
	}
}

// Zero clears the key. Later Reveal calls see an empty key.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
	s.wiped = true
}

func (s *SecureString) String() string   { return redacted }
func (s *SecureString) GoString() string { return redacted }

// Format covers %v, %s, %q, %x and the rest of the fmt verbs.
func (s *SecureString) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalYAML() (any, error) {
	return redacted, nil
}
