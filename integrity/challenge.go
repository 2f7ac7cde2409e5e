// Package integrity implements the challenge/response handshake of
// spec.md §4.7: an opaque challenge issued to unknown or long-silent
// peers, verified by an external oracle, with failure-count ban
// escalation and an optional hardware-id gate.
package integrity

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/blake2s"
)

const challengeSize = 16

// Challenger is the external integrity oracle contract: it mints an
// opaque challenge and verifies a client's response to one.
type Challenger interface {
	NewChallenge() ([]byte, error)
	Verify(challenge, response []byte) bool
}

// keyedChallenger is the default Challenger: a random nonce as the
// challenge and a blake2s-keyed MAC over it as the expected response,
// the same keyed-hash construction as obf.ComputeMac1/VerifyMac1
// repurposed from wire-obfuscation into a challenge/response oracle.
type keyedChallenger struct {
	key [32]byte
}

// NewKeyedChallenger returns a Challenger keyed by key. Every connection
// using the same key accepts the same response to a given challenge, so
// distinct deployments should use distinct keys.
func NewKeyedChallenger(key [32]byte) Challenger {
	return &keyedChallenger{key: key}
}

func (k *keyedChallenger) NewChallenge() ([]byte, error) {
	nonce := make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func (k *keyedChallenger) Verify(challenge, response []byte) bool {
	expected, err := k.mac(challenge)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, response) == 1
}

func (k *keyedChallenger) mac(challenge []byte) ([]byte, error) {
	h, err := blake2s.New128(k.key[:])
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(challenge); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// ExpectedResponse computes the response a well-behaved client would
// send for challenge under key, for use by client-side code and tests.
func ExpectedResponse(key [32]byte, challenge []byte) ([]byte, error) {
	c := &keyedChallenger{key: key}
	return c.mac(challenge)
}
