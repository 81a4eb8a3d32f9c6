// Package idgen produces the short random identifiers handed to users,
// workers and consensus clients.
package idgen

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// UniqueLength is the length of ids issued to users and workers.
const UniqueLength = 5

// Alphanumeric returns a random string of n characters from [A-Za-z0-9].
func Alphanumeric(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// Unique draws ids until taken reports false for one.
func Unique(taken func(string) bool) string {
	id := Alphanumeric(UniqueLength)
	for taken(id) {
		id = Alphanumeric(UniqueLength)
	}
	return id
}

// MessageID returns a correlation id for log lines of one request.
func MessageID() string {
	return uuid.NewString()
}
