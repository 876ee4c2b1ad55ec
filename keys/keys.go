// Package keys defines the core's cryptographic key shapes: the tagged
// VerificationKey/Multikey union used for inbound verification, and the
// sender key pair used for outbound signing. RSA signs HTTP requests,
// Ed25519 signs object-level proofs; a sender commonly carries one of each.
package keys

import (
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
)

// Algorithm identifies a supported signature algorithm.
type Algorithm string

const (
	AlgorithmRSA     Algorithm = "RSASSA-PKCS1-v1_5-SHA256"
	AlgorithmEd25519 Algorithm = "Ed25519"
)

// ErrUnsupportedAlgorithm is returned when a private key does not match
// either supported algorithm.
var ErrUnsupportedAlgorithm = errors.New("keys: unsupported key algorithm")

// VerificationKey is a public key fetched from a remote actor, keyed by its
// own IRI and attributed to an owner IRI.
type VerificationKey struct {
	ID        string
	Owner     string
	Algorithm Algorithm
	RSAPublic *rsa.PublicKey
	EdPublic  ed25519.PublicKey
}

// Multikey is a VerificationKey whose owner is called "controller" and whose
// key material arrives Multibase-encoded (FEP-521a). It is represented
// identically in memory; the distinction is in the wire encoding only, so
// Multikey is defined here as a type alias of VerificationKey with Owner
// read as "controller".
type Multikey = VerificationKey

// SenderKeyPair is one half of a sender identity: a key id and the private
// key used to sign with it. A sender presents a []SenderKeyPair that MAY mix
// exactly one RSA and one Ed25519 pair.
type SenderKeyPair struct {
	KeyID      string
	Algorithm  Algorithm
	RSAPrivate *rsa.PrivateKey
	EdPrivate  ed25519.PrivateKey
}

// RSAKeyPair picks the RSA pair out of pairs, if any.
func RSAKeyPair(pairs []SenderKeyPair) (SenderKeyPair, bool) {
	for _, p := range pairs {
		if p.Algorithm == AlgorithmRSA && p.RSAPrivate != nil {
			return p, true
		}
	}
	return SenderKeyPair{}, false
}

// Ed25519KeyPair picks the Ed25519 pair out of pairs, if any.
func Ed25519KeyPair(pairs []SenderKeyPair) (SenderKeyPair, bool) {
	for _, p := range pairs {
		if p.Algorithm == AlgorithmEd25519 && p.EdPrivate != nil {
			return p, true
		}
	}
	return SenderKeyPair{}, false
}

// Validate checks that every pair carries a private key matching one of the
// two supported algorithms.
func Validate(pairs []SenderKeyPair) error {
	if len(pairs) == 0 {
		return errors.New("keys: no sender key pairs supplied")
	}
	for _, p := range pairs {
		switch p.Algorithm {
		case AlgorithmRSA:
			if p.RSAPrivate == nil {
				return ErrUnsupportedAlgorithm
			}
		case AlgorithmEd25519:
			if p.EdPrivate == nil {
				return ErrUnsupportedAlgorithm
			}
		default:
			return ErrUnsupportedAlgorithm
		}
	}
	return nil
}
