package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// CopySHA256 copies src into dst and returns the byte count and the sha256 of what was copied.
func CopySHA256(dst io.Writer, src io.Reader) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Hex is used for upload checksums and for API token lookup; raw tokens are never stored.
func SHA256Hex(b []byte) string {
	x := sha256.Sum256(b)
	return hex.EncodeToString(x[:])
}

// NewAPIToken returns a random 32-byte token, hex encoded.
func NewAPIToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
