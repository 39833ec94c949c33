package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenerateRandomString generates a random string of the specified length using hex encoding.
func GenerateRandomString(length int) string {
	bytes := make([]byte, (length+1)/2) // Need half the bytes for hex encoding
	if _, err := rand.Read(bytes); err != nil {
		return strings.Repeat("0", length)
	}
	result := hex.EncodeToString(bytes)
	if len(result) > length {
		return result[:length]
	}
	return result
}

// RecordingFileName builds a default output name such as
// "rec-20240102-150405-3fa9.mp4". ext may be given with or without the dot.
func RecordingFileName(prefix string, t time.Time, ext string) string {
	if prefix == "" {
		prefix = "rec"
	}
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s-%s-%s.%s", prefix, t.Format("20060102-150405"), GenerateRandomString(4), ext)
}
