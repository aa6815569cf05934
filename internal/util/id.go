package util

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex returns 2*n lowercase hex characters read from crypto/rand.
func RandomHex(n int) string {
	bytes := make([]byte, n)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
