package migrationlock

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Token identifies one lock holder instance. It is serialized once at
// acquisition and from then on compared byte-for-byte; no business meaning is
// ever read back out of it.
type Token struct {
	Host        string    `json:"host"`
	PID         int       `json:"pid"`
	LockID      string    `json:"lock_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	Environment string    `json:"environment,omitempty"`
}

// newToken generates a fresh holder token. LockID is a UUID so two
// acquisitions from the same process at the same instant never collide.
func newToken(environment string) Token {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Token{
		Host:        host,
		PID:         os.Getpid(),
		LockID:      uuid.NewString(),
		AcquiredAt:  time.Now().UTC(),
		Environment: environment,
	}
}

// serialize renders the token as its canonical stored value.
func (t Token) serialize() string {
	raw, err := json.Marshal(t)
	if err != nil {
		// Marshal of this struct cannot realistically fail; keep a unique
		// fallback so acquisition still proceeds.
		return fmt.Sprintf("%s:%d:%s:%d", t.Host, t.PID, t.LockID, time.Now().UnixNano())
	}
	return string(raw)
}

// parseToken decodes a stored token value for introspection. Values written
// by other tooling that do not decode still surface as an opaque LockID.
func parseToken(raw string) Token {
	var token Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return Token{LockID: raw}
	}
	return token
}
