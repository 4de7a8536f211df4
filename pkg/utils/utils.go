package utils

import (
	"math/rand"
	"os"
	"strings"
	"sync"
)

// LockedArray collects strings from concurrent goroutines.
type LockedArray struct {
	sync.Mutex
	items []string
}

func NewLockedArray() *LockedArray {
	return &LockedArray{items: make([]string, 0)}
}

func (la *LockedArray) Add(s string) {
	la.Lock()
	defer la.Unlock()
	la.items = append(la.items, s)
}

func (la *LockedArray) Get() []string {
	la.Lock()
	defer la.Unlock()
	return la.items
}

const letters = "1234567890abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandStringRunes returns a random alphanumeric string, used for worker id
// suffixes and test fixtures.
func RandStringRunes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func Contains(ar []string, b string) bool {
	for _, a := range ar {
		if a == b {
			return true
		}
	}
	return false
}

func GetEnvWithKey(key string) string {
	return os.Getenv(key)
}

// MaskString hides all but the last four characters; tokens are logged only
// in this form.
func MaskString(s string) string {
	if len(s) < 4 {
		return s
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// Truncate shortens status messages so they stay readable in job listings.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
