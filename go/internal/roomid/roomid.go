package roomid

import (
	"math/rand/v2"
	"strings"
)

// Alphabet is the set of characters a room code is drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const partLen = 3

// Generate returns a human-shareable room code such as "K7Q-2ZD".
func Generate() string {
	var b strings.Builder
	b.Grow(partLen*2 + 1)
	for i := 0; i < partLen; i++ {
		b.WriteByte(Alphabet[rand.IntN(len(Alphabet))])
	}
	b.WriteByte('-')
	for i := 0; i < partLen; i++ {
		b.WriteByte(Alphabet[rand.IntN(len(Alphabet))])
	}
	return b.String()
}

// Valid reports whether id has the exact shape produced by Generate.
func Valid(id string) bool {
	if len(id) != partLen*2+1 || id[partLen] != '-' {
		return false
	}
	for i := 0; i < len(id); i++ {
		if i == partLen {
			continue
		}
		if strings.IndexByte(Alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}

// Normalize trims and upper-cases user-typed room codes.
func Normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
