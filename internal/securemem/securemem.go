// Package securemem keeps provider API keys in memguard-protected memory so
// they do not sit in the Go heap, in swap, or in core dumps.
package securemem

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

const redacted = "[REDACTED]"

// String stores a secret in an encrypted memguard enclave.
type String struct {
	enclave *memguard.Enclave
	length  int
}

// NewString seals plaintext. The caller's copy is not wiped.
func NewString(plaintext string) *String {
	return NewStringFromBytes([]byte(plaintext))
}

// NewStringFromBytes seals data and wipes the input slice.
func NewStringFromBytes(data []byte) *String {
	if len(data) == 0 {
		return &String{}
	}
	n := len(data)
	return &String{enclave: memguard.NewEnclave(data), length: n}
}

// FromEnv reads the named environment variable into a sealed String.
func FromEnv(name string) (*String, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("environment variable name is empty")
	}
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	return NewString(value), nil
}

// IsEmpty reports whether no secret is held.
func (s *String) IsEmpty() bool {
	return s == nil || s.enclave == nil || s.length == 0
}

// Len returns the secret's length in bytes.
func (s *String) Len() int {
	if s.IsEmpty() {
		return 0
	}
	return s.length
}

// WithValue opens the enclave for the duration of fn. fn must not retain the
// string.
func (s *String) WithValue(fn func(string)) error {
	if s.IsEmpty() {
		fn("")
		return nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret: %w", err)
	}
	defer buf.Destroy()
	fn(string(buf.Bytes()))
	return nil
}

// Reveal returns a plaintext copy in regular memory. Prefer WithValue.
func (s *String) Reveal() string {
	var out string
	if err := s.WithValue(func(v string) { out = strings.Clone(v) }); err != nil {
		return ""
	}
	return out
}

// Equal compares against plaintext in constant time.
func (s *String) Equal(other string) bool {
	equal := false
	_ = s.WithValue(func(v string) {
		equal = subtle.ConstantTimeCompare([]byte(v), []byte(other)) == 1
	})
	return equal
}

// String implements fmt.Stringer without revealing the secret.
func (s *String) String() string {
	if s.IsEmpty() {
		return ""
	}
	return redacted
}

// MarshalJSON keeps secrets out of serialized config and API responses.
func (s *String) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Destroy drops the enclave.
func (s *String) Destroy() {
	if s == nil {
		return
	}
	s.enclave = nil
	s.length = 0
}

// Init installs memguard's interrupt handler so sealed memory is wiped on
// SIGINT/SIGTERM.
func Init() {
	memguard.CatchInterrupt()
}

// Cleanup purges all memguard-managed memory. Call once before exit.
func Cleanup() {
	memguard.Purge()
}

// SecureWipe zeroes data in place.
func SecureWipe(data []byte) {
	memguard.WipeBytes(data)
}
