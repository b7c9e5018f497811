// Package internal holds helpers shared across the ringvault key-hierarchy
// engine that aren't part of its public surface.
package internal

import (
	"crypto/rand"
	"runtime"
)

// MemClr wipes buf with zeroes in a way the compiler can't optimize away.
func MemClr(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically-secure random bytes.
func FillRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	// Keep buf alive through the read so the compiler can't eliminate it as
	// a dead store if the caller only wanted the side effect.
	runtime.KeepAlive(buf)
}

// RandomBytes returns a new slice of length n filled from a CSPRNG.
func RandomBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
