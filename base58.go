package brickd

import "github.com/brickd-project/brickd/internal/base58"

// Base58Alphabet is the Tinkerforge-style 58-symbol alphabet enumerate
// callbacks encode UIDs with (spec.md §6).
const Base58Alphabet = base58.Alphabet

// EncodeBase58 renders a UID as the base58 string used in enumerate
// callbacks.
func EncodeBase58(v uint32) string { return base58.Encode(v) }

// DecodeBase58 parses a base58-encoded UID, the inverse of EncodeBase58.
func DecodeBase58(s string) (uint32, bool) { return base58.Decode(s) }
