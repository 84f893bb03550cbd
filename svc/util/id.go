package util

import (
	"crypto/rand"
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	IDLength    = 8
	idAlphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	alphabetLen = len(idAlphabet)
)

var idPattern = regexp.MustCompile(`^[0-9A-Za-z]{8}$`)

// IDGen produces short paste IDs over the 62-symbol alphanumeric alphabet.
//
// The default mapping reduces each random byte modulo 62. 256 is not a
// multiple of 62, so the first 8 symbols ("0".."7") come up with probability
// 5/256 and the other 54 with 4/256. Uniform mode switches to nanoid's
// rejection sampling over the same alphabet.
type IDGen struct {
	uniform bool
	read    func([]byte) (int, error)
}

func NewIDGen(uniform bool) *IDGen {
	return &IDGen{uniform: uniform, read: rand.Read}
}

func (g *IDGen) Generate() (string, error) {
	if g.uniform {
		id, err := gonanoid.Generate(idAlphabet, IDLength)
		return id, errors.Wrap(err, "nanoid")
	}
	buf := make([]byte, IDLength)
	if _, err := g.read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%alphabetLen]
	}
	return string(buf), nil
}

// ValidID reports whether id has the shape of a generated paste ID.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
