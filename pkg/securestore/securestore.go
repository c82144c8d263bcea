// Package securestore keeps credentials in guarded memory.
//
// A Secret seals its value in a memguard enclave and only exposes the
// plaintext to a callback for the duration of a single call. A nil *Secret
// behaves as an unset secret, so optional credentials need no special
// casing at call sites.
package securestore

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Secret holds a sensitive value sealed in guarded memory.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals value into a new Secret. An empty value yields an unset
// secret. The caller should drop its own copies of the plaintext after this
// returns.
func NewSecret(value string) *Secret {
	if value == "" {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// IsSet reports whether the secret contains a value.
func (s *Secret) IsSet() bool {
	return s != nil && s.enclave != nil
}

// Access decrypts the secret and passes the plaintext to f. The slice is
// valid only for the duration of the call and is wiped afterwards. An unset
// secret invokes f with a nil slice.
func (s *Secret) Access(f func([]byte) error) error {
	if !s.IsSet() {
		return f(nil)
	}

	view, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer view.Destroy()

	return f(view.Bytes())
}

// EqualToConstantTime compares the secret against candidate without leaking
// how far the comparison got. Length differences are still observable, as
// with subtle.ConstantTimeCompare. An unset secret equals only an empty
// candidate.
func (s *Secret) EqualToConstantTime(candidate []byte) (bool, error) {
	if !s.IsSet() {
		return len(candidate) == 0, nil
	}

	equal := false
	err := s.Access(func(plaintext []byte) error {
		equal = subtle.ConstantTimeCompare(plaintext, candidate) == 1
		return nil
	})
	return equal, err
}

// Destroy discards the sealed value. The secret reads as unset afterwards.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	// The enclave holds only ciphertext; dropping the reference discards it.
	s.enclave = nil
}

// String implements fmt.Stringer and never reveals the value.
func (s *Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return "[redacted]"
}
