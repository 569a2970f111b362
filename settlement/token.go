package settlement

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewCaseID produces the human-facing case identifier, e.g. TTS-9F2A41C7.
func NewCaseID() string {
	return "TTS-" + strings.ToUpper(uuid.NewString()[:8])
}

// NewShareToken returns a 128-bit hex token. The token is the sole access
// control for the counter-party lookup path, so it must be unguessable.
func NewShareToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("settlement: generate share token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
