package botllm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// generateRandomHexString generates a random hexadecimal string of the
// given length
func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// maskKey obscures an API key for display and logging, keeping only a
// few characters on each end.
func maskKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "—"
	}
	if len(trimmed) <= 2 {
		return strings.Repeat("*", len(trimmed))
	}
	if len(trimmed) <= 8 {
		masked := strings.Repeat("*", len(trimmed)-2)
		return masked + trimmed[len(trimmed)-2:]
	}
	return fmt.Sprintf("%s…%s", trimmed[:4], trimmed[len(trimmed)-4:])
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func boolPointer(b bool) *bool {
	return &b
}

func uintPointer(u uint) *uint {
	return &u
}
