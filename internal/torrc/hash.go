package torrc

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// s2kIndicator is the iteration-count byte used by the daemon's
// iterated-salted secret-to-key scheme (OpenPGP S2K, 65536 bytes).
const s2kIndicator = 0x60

// HashPassword derives the HashedControlPassword directive value for a
// control secret, matching the daemon's own `--hash-password` output
// shape: "16:" followed by the salt, indicator, and digest in hex.
func HashPassword(password string) string {
	var salt [8]byte
	rand.Read(salt[:])
	return hashPasswordWithSalt(password, salt)
}

func hashPasswordWithSalt(password string, salt [8]byte) string {
	count := (16 + (s2kIndicator & 15)) << ((s2kIndicator >> 4) + 6)

	secret := append(append([]byte{}, salt[:]...), password...)
	h := sha1.New()
	for remaining := count; remaining > 0; {
		if remaining >= len(secret) {
			h.Write(secret)
			remaining -= len(secret)
		} else {
			h.Write(secret[:remaining])
			remaining = 0
		}
	}

	return fmt.Sprintf("16:%X%02X%X", salt, s2kIndicator, h.Sum(nil))
}
