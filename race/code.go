package race

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// DefaultCodeLength gives 36^6 (about 2.2e9) possible codes.
const DefaultCodeLength = 6

// NewCode returns a uniformly random uppercase base-36 code of length n.
func NewCode(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[v.Int64()]
	}
	return string(b), nil
}

// Normalize maps user input onto the canonical code form.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
