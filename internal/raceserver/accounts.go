package raceserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"sync"
)

// PasswordTable is the process-wide display-name -> password-hash mapping.
//
// Identity is trust-on-first-use: the first password presented for a name
// registers it, and later presentations must match. Entries are never
// evicted during a run. This is parity with the deployed clients, not real
// authentication.
type PasswordTable struct {
	mu     sync.Mutex
	hashes map[string]string
}

// NewPasswordTable creates an empty table.
func NewPasswordTable() *PasswordTable {
	return &PasswordTable{hashes: make(map[string]string)}
}

// HashPassword hashes a password with SHA-256 and returns Base64 encoding.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Authenticate checks password against the entry for name, registering the
// password if the name is new. Returns true when the caller may act as name.
func (t *PasswordTable) Authenticate(name, password string) bool {
	hash := HashPassword(password)

	t.mu.Lock()
	defer t.mu.Unlock()

	stored, ok := t.hashes[name]
	if !ok {
		t.hashes[name] = hash
		return true
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1
}

// Known reports whether a password has been registered for name.
func (t *PasswordTable) Known(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.hashes[name]
	return ok
}
