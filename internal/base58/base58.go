// Package base58 implements the Tinkerforge-style base58 UID encoding used
// in enumerate callbacks (spec.md §6).
package base58

import "math/big"

// Alphabet is the 58-symbol alphabet: ambiguous characters 0, O, I, l are
// excluded.
const Alphabet = "123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// No library in the retrieved pack offers this specific 58-symbol alphabet
// (it is a small, fixed encoding of a single uint32, not a general-purpose
// bignum codec); math/big is used for the actual division, which is the
// idiomatic stdlib tool for arbitrary-radix conversion. See DESIGN.md.
var base = big.NewInt(int64(len(Alphabet)))

// Encode renders v as a base58 string.
func Encode(v uint32) string {
	if v == 0 {
		return string(Alphabet[0])
	}

	n := new(big.Int).SetUint64(uint64(v))
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, Alphabet[mod.Int64()])
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// Decode parses a base58-encoded uint32. ok is false if s contains a
// character outside Alphabet or the decoded value overflows uint32.
func Decode(s string) (v uint32, ok bool) {
	n := new(big.Int)
	for _, c := range s {
		idx := indexInAlphabet(byte(c))
		if idx < 0 {
			return 0, false
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}
	if !n.IsUint64() || n.Uint64() > 0xFFFFFFFF {
		return 0, false
	}
	return uint32(n.Uint64()), true
}

func indexInAlphabet(c byte) int {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return i
		}
	}
	return -1
}
