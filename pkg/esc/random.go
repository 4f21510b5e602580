package esc

import (
	"math/rand"
	"time"
)

// randomAlphabet is the character set drawn on for generated identifiers and
// filler payloads.
const randomAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandomStringFromSource draws size characters from the supplied source. The
// same source state replays the same string, which keeps generated fixtures
// reproducible.
func RandomStringFromSource(size int, src rand.Source) string {

	random := rand.New(src)
	drawn := make([]byte, size)

	for i := range drawn {
		drawn[i] = randomAlphabet[random.Intn(len(randomAlphabet))]
	}

	return string(drawn)
}

// RandomString generates a string of the requested size from a fresh source.
func RandomString(size int) string {
	return RandomStringFromSource(size, rand.NewSource(time.Now().UnixNano()))
}

// RandomBytes generates random document filler of the requested size.
func RandomBytes(size int) []byte {
	return []byte(RandomStringFromSource(size, mockRandomSource))
}
