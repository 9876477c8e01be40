package internal

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/google/uuid"
)

const identityLen = 4

// DeriveIdentity produces the short display label shown for a connection. It
// is a CRC-32 checksum of the peer address and client agent string, so the
// same client gets the same label across reconnects within a room session.
// Collisions are cosmetic: the label is never an authorization boundary.
func DeriveIdentity(remoteAddr, userAgent string) string {
	seed := strings.TrimSpace(remoteAddr) + strings.TrimSpace(userAgent)
	if seed == "" {
		// No transport metadata to hash, fall back to a random label.
		return strings.ToUpper(uuid.NewString()[:identityLen])
	}
	sum := crc32.ChecksumIEEE([]byte(seed))
	return fmt.Sprintf("%08X", sum)[:identityLen]
}
