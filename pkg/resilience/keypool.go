package resilience

import (
	"fmt"
	"math/rand"
	"strings"
)

// KeyPool rotates through the session tokens a caller supplied with one
// request. Callers may pass several comma-separated tokens; each
// resubmission of a job moves on to the next one.
//
// A KeyPool belongs to a single request and is not safe for concurrent use.
type KeyPool struct {
	keys    []string
	current int
}

// NewKeyPool creates a pool starting at a random token so load spreads
// across accounts between requests.
func NewKeyPool(keys []string) *KeyPool {
	kp := &KeyPool{keys: keys}
	if len(keys) > 1 {
		kp.current = rand.Intn(len(keys))
	}
	return kp
}

// Next returns the next token in round-robin order. Returns an error if the
// pool is empty.
func (kp *KeyPool) Next() (string, error) {
	n := len(kp.keys)
	if n == 0 {
		return "", fmt.Errorf("keypool: no session tokens supplied")
	}
	key := kp.keys[kp.current]
	kp.current = (kp.current + 1) % n
	return key, nil
}

// Size returns the number of tokens in the pool.
func (kp *KeyPool) Size() int {
	return len(kp.keys)
}

// SplitKeys splits a comma-separated token list, dropping blanks.
func SplitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
