package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"path/filepath"
	"regexp"
	"strings"
)

// codeCharset is the alphabet for generated redeem codes.
const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const codeLength = 8

var explicitCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

// generateSecureToken produces a cryptographically secure random string
// drawn from charset.
func generateSecureToken(length int, charset string) (string, error) {
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// isZip checks that data starts with the ZIP magic number (PK\x03\x04).
// An empty archive (PK\x05\x06) also counts; extraction rejects it later.
func isZip(data []byte) bool {
	if len(data) < 4 || data[0] != 0x50 || data[1] != 0x4B {
		return false
	}
	return (data[2] == 0x03 && data[3] == 0x04) || // local file header
		(data[2] == 0x05 && data[3] == 0x06) // empty archive
}

// sanitizeFilename strips directory components and limits length. The
// result is only used for kind detection and logs.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	return name
}
