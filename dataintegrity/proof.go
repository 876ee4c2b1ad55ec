// Package dataintegrity implements object-level signature proofs for
// ActivityPub documents: the eddsa-jcs-2022 cryptosuite over Ed25519 keys
// for signing and verification, and the legacy RsaSignature2017 scheme for
// verification only. JSON-LD compaction and URDNA2015 normalization are
// delegated to piprate/json-gold, JCS canonicalization to gowebpki/jcs, and
// Multibase encoding to multiformats/go-multibase.
package dataintegrity

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/multiformats/go-multibase"
	"github.com/piprate/json-gold/ld"

	"github.com/klppl/fedcore/keys"
)

const (
	CryptosuiteEdDSAJCS2022 = "eddsa-jcs-2022"
	TypeRsaSignature2017    = "RsaSignature2017"
	TypeDataIntegrityProof  = "DataIntegrityProof"
	ProofPurposeAssertion   = "assertionMethod"
)

var (
	ErrNoProof            = errors.New("dataintegrity: object has no proof")
	ErrUnsupportedSuite   = errors.New("dataintegrity: unsupported proof type/cryptosuite")
	ErrVerificationFailed = errors.New("dataintegrity: proof verification failed")
	ErrPartialAttribution = errors.New("dataintegrity: not every attribution/actor id matches a verifying key controller")
)

// Proof is the `proof` property attached to a signed object.
type Proof struct {
	Context            any    `json:"@context,omitempty"`
	Type               string `json:"type"`
	Cryptosuite        string `json:"cryptosuite,omitempty"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	Created            string `json:"created"`
	ProofValue         string `json:"proofValue,omitempty"`
	SignatureValue     string `json:"signatureValue,omitempty"`
}

// Resolver looks up the VerificationKey for a verificationMethod IRI.
type Resolver func(verificationMethod string) (keys.VerificationKey, error)

// Suite binds the JSON-LD processing used for canonicalization to an
// optional remote-context loader. The zero value uses json-gold's default
// network loader; embedders that cache or restrict context fetches pass
// their own.
type Suite struct {
	ContextLoader ld.DocumentLoader
}

var defaultSuite = &Suite{}

func (s *Suite) jsonldOptions() *ld.JsonLdOptions {
	opts := ld.NewJsonLdOptions("")
	if s.ContextLoader != nil {
		opts.DocumentLoader = s.ContextLoader
	}
	return opts
}

// Sign attaches an eddsa-jcs-2022 proof to doc and returns the signed
// document: the proofless document is compacted under context, JCS-hashed,
// concatenated after the hashed proof configuration, and signed with priv.
func Sign(doc map[string]any, context any, priv ed25519.PrivateKey, keyID string, created time.Time) (map[string]any, error) {
	return defaultSuite.Sign(doc, context, priv, keyID, created)
}

// Sign is the Suite-bound variant of the package-level Sign.
func (s *Suite) Sign(doc map[string]any, context any, priv ed25519.PrivateKey, keyID string, created time.Time) (map[string]any, error) {
	withoutProof := cloneMap(doc)
	delete(withoutProof, "proof")

	documentDigest, err := s.documentHash(withoutProof, context)
	if err != nil {
		return nil, err
	}

	proof := Proof{
		Context:            context,
		Type:               TypeDataIntegrityProof,
		Cryptosuite:        CryptosuiteEdDSAJCS2022,
		VerificationMethod: keyID,
		ProofPurpose:       ProofPurposeAssertion,
		Created:            created.UTC().Format(time.RFC3339),
	}
	proofDigest, err := proofConfigHash(proof)
	if err != nil {
		return nil, err
	}

	signingInput := append(append([]byte{}, proofDigest...), documentDigest...)
	sig := ed25519.Sign(priv, signingInput)

	encoded, err := multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: encode signature: %w", err)
	}
	proof.ProofValue = encoded

	signed := cloneMap(doc)
	signed["proof"] = proof
	return signed, nil
}

// VerifyObject verifies every proof attached to doc and requires every id in
// attributionIDs (the document's attributedTo ids plus, for an Activity, its
// actor id) to equal the controller/owner of at least one verifying key.
// Partial attribution fails the whole object.
func VerifyObject(doc map[string]any, context any, attributionIDs []string, resolve Resolver) error {
	return defaultSuite.VerifyObject(doc, context, attributionIDs, resolve)
}

// VerifyObject is the Suite-bound variant of the package-level VerifyObject.
func (s *Suite) VerifyObject(doc map[string]any, context any, attributionIDs []string, resolve Resolver) error {
	proofs, err := extractProofs(doc)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		return ErrNoProof
	}

	controllers := make(map[string]bool)
	withoutProof := cloneMap(doc)
	delete(withoutProof, "proof")

	for _, p := range proofs {
		key, err := resolve(p.VerificationMethod)
		if err != nil {
			return fmt.Errorf("%w: resolve %s: %v", ErrVerificationFailed, p.VerificationMethod, err)
		}

		switch {
		case p.Type == TypeDataIntegrityProof && p.Cryptosuite == CryptosuiteEdDSAJCS2022:
			if err := s.verifyEdDSAJCS(withoutProof, context, p, key); err != nil {
				return err
			}
		case p.Type == TypeRsaSignature2017:
			if err := s.verifyRsaSignature2017(withoutProof, p, key); err != nil {
				return err
			}
		default:
			return ErrUnsupportedSuite
		}

		controllers[key.Owner] = true
	}

	for _, id := range attributionIDs {
		if !controllers[id] {
			return ErrPartialAttribution
		}
	}
	return nil
}

func (s *Suite) verifyEdDSAJCS(doc map[string]any, context any, p Proof, key keys.VerificationKey) error {
	if key.EdPublic == nil {
		return fmt.Errorf("%w: key %s is not Ed25519", ErrVerificationFailed, p.VerificationMethod)
	}

	documentDigest, err := s.documentHash(doc, context)
	if err != nil {
		return err
	}
	proofDigest, err := proofConfigHash(Proof{
		Context:            p.Context,
		Type:               p.Type,
		Cryptosuite:        p.Cryptosuite,
		VerificationMethod: p.VerificationMethod,
		ProofPurpose:       p.ProofPurpose,
		Created:            p.Created,
	})
	if err != nil {
		return err
	}

	_, sig, err := multibase.Decode(p.ProofValue)
	if err != nil {
		return fmt.Errorf("%w: decode proofValue: %v", ErrVerificationFailed, err)
	}

	signingInput := append(append([]byte{}, proofDigest...), documentDigest...)
	if !ed25519.Verify(key.EdPublic, signingInput, sig) {
		return ErrVerificationFailed
	}
	return nil
}

// verifyRsaSignature2017 handles the legacy scheme still emitted by older
// Mastodon-lineage servers: URDNA2015-canonicalize the signature options and
// the proofless document separately, SHA-256 each, concatenate the hex
// digests, and verify with RSASSA-PKCS1-v1_5 + SHA-256.
//
// URDNA2015 implementations can disagree subtly on blank-node numbering;
// interop against live fixtures is required before relying on this path for
// anything beyond best-effort verification (see DESIGN.md).
func (s *Suite) verifyRsaSignature2017(doc map[string]any, p Proof, key keys.VerificationKey) error {
	if key.RSAPublic == nil {
		return fmt.Errorf("%w: key %s is not RSA", ErrVerificationFailed, p.VerificationMethod)
	}

	optionsDigest, err := s.urdna2015Hash(map[string]any{
		"@context": "https://w3id.org/security/v1",
		"creator":  p.VerificationMethod,
		"created":  p.Created,
	})
	if err != nil {
		return err
	}
	documentDigest, err := s.urdna2015Hash(doc)
	if err != nil {
		return err
	}

	toVerify := hex.EncodeToString(optionsDigest) + hex.EncodeToString(documentDigest)

	sig, err := decodeRsaSignatureValue(p.SignatureValue)
	if err != nil {
		return err
	}

	hashed := sha256.Sum256([]byte(toVerify))
	if err := rsa.VerifyPKCS1v15(key.RSAPublic, crypto.SHA256, hashed[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}

var jsonldProcessor = ld.NewJsonLdProcessor()

func (s *Suite) documentHash(doc map[string]any, context any) ([]byte, error) {
	compacted, err := jsonldProcessor.Compact(doc, context, s.jsonldOptions())
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: compact document: %w", err)
	}
	return jcsHash(compacted)
}

func proofConfigHash(p Proof) ([]byte, error) {
	data, err := json.Marshal(struct {
		Context            any    `json:"@context,omitempty"`
		Type               string `json:"type"`
		Cryptosuite        string `json:"cryptosuite,omitempty"`
		VerificationMethod string `json:"verificationMethod"`
		ProofPurpose       string `json:"proofPurpose"`
		Created            string `json:"created"`
	}{p.Context, p.Type, p.Cryptosuite, p.VerificationMethod, p.ProofPurpose, p.Created})
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: marshal proof config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return jcsHash(m)
}

func jcsHash(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: marshal for jcs: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: jcs transform: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

func (s *Suite) urdna2015Hash(v map[string]any) ([]byte, error) {
	opts := s.jsonldOptions()
	opts.Algorithm = ld.AlgorithmURDNA2015
	opts.Format = "application/n-quads"

	normalized, err := jsonldProcessor.Normalize(v, opts)
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: urdna2015 normalize: %w", err)
	}
	nquads, ok := normalized.(string)
	if !ok {
		return nil, fmt.Errorf("dataintegrity: unexpected normalize result type %T", normalized)
	}
	sum := sha256.Sum256([]byte(nquads))
	return sum[:], nil
}

func extractProofs(doc map[string]any) ([]Proof, error) {
	raw, ok := doc["proof"]
	if !ok {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: marshal proof field: %w", err)
	}

	var single Proof
	if err := json.Unmarshal(data, &single); err == nil && single.Type != "" {
		return []Proof{single}, nil
	}

	var many []Proof
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("dataintegrity: unmarshal proof: %w", err)
	}
	return many, nil
}

func decodeRsaSignatureValue(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("dataintegrity: decode signatureValue: %w", err)
	}
	return data, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
