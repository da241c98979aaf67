package visitors

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// IDLength is the size in bytes of visitor ids and configuration fingerprints.
const IDLength = 16

// NewVisitorID returns a random 16-byte visitor id.
func NewVisitorID() []byte {
	id := uuid.New()
	return id[:]
}

// ParseVisitorID decodes the 32 character hex form sent by trackers (_id, cid).
func ParseVisitorID(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != IDLength*2 {
		return nil, fmt.Errorf("visitor id must be %d hex characters, got %d", IDLength*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid visitor id %q: %w", s, err)
	}
	return b, nil
}

// FormatVisitorID renders a binary visitor id as lowercase hex.
func FormatVisitorID(id []byte) string {
	return hex.EncodeToString(id)
}

// IsValidVisitorID reports whether id has the binary visitor id length.
func IsValidVisitorID(id []byte) bool {
	return len(id) == IDLength
}

// Configuration is the set of device attributes that make up a fingerprint.
type Configuration struct {
	OS             string
	BrowserName    string
	BrowserVersion string
	Plugins        string // concatenated 0/1 plugin flags in a fixed order
	IP             []byte
	BrowserLang    string
}

// ConfigID hashes the configuration into a 16-byte fingerprint. The salt keys
// the hash so ids cannot be recomputed from a leaked IP list.
func ConfigID(salt string, c Configuration) []byte {
	key := []byte(salt)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}

	h, err := blake2b.New(IDLength, key)
	if err != nil {
		// only possible with an invalid size or key length, both ruled out above
		panic(err)
	}
	h.Write([]byte(c.OS))
	h.Write([]byte(c.BrowserName))
	h.Write([]byte(c.BrowserVersion))
	h.Write([]byte(c.Plugins))
	h.Write(c.IP)
	h.Write([]byte(c.BrowserLang))
	return h.Sum(nil)
}
