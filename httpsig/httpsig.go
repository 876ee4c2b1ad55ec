// Package httpsig signs and verifies draft-cavage HTTP Signatures over
// requests, wrapping github.com/go-fed/httpsig for the signing-string
// mechanics and layering digest checking, clock-skew rejection, and
// rotation-tolerant key refetching on top.
package httpsig

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gofedhttpsig "github.com/go-fed/httpsig"

	"github.com/klppl/fedcore/keys"
)

// Errors returned by Verify. Verification failure is an expected outcome:
// callers get (Result{}, err), log at debug level, and respond 401.
var (
	ErrMissingHeaders    = errors.New("httpsig: missing Date, Signature, or Digest header")
	ErrDigestMismatch    = errors.New("httpsig: digest does not match body")
	ErrClockSkew         = errors.New("httpsig: Date header outside allowed window")
	ErrMalformedHeader   = errors.New("httpsig: malformed Signature header")
	ErrVerifyFailed      = errors.New("httpsig: signature verification failed")
	ErrUnsupportedDigest = errors.New("httpsig: no supported Digest algorithm present")
)

var signHeaders = []string{gofedhttpsig.RequestTarget, "host", "date", "digest"}

// Sign signs req with the given RSA key and key id, adding Host, Digest
// (when body is non-nil), Date, and Signature headers.
// RSASSA-PKCS1-v1_5+SHA-256 is the only supported signing algorithm.
func Sign(req *http.Request, keyID string, priv *rsa.PrivateKey, body []byte) error {
	if req.Header.Get("Host") == "" && req.URL.Host != "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	headers := signHeaders
	if body == nil {
		headers = headers[:len(headers)-1] // drop "digest" when there is no body
	}

	signer, _, err := gofedhttpsig.NewSigner(
		[]gofedhttpsig.Algorithm{gofedhttpsig.RSA_SHA256},
		gofedhttpsig.DigestSha256,
		headers,
		gofedhttpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("httpsig: create signer: %w", err)
	}
	if err := signer.SignRequest(priv, keyID, req, body); err != nil {
		return fmt.Errorf("httpsig: sign request: %w", err)
	}
	return nil
}

// KeyFetcher resolves a verification key by its IRI, trying a cached key
// first and returning a freshly fetched one only when asked. It is the
// seam between this package and keycache.Cache.
type KeyFetcher interface {
	Get(ctx context.Context, keyID string) (keys.VerificationKey, error)
	Refetch(ctx context.Context, keyID string) (keys.VerificationKey, error)
}

// Options configures Verify.
type Options struct {
	// TimeWindow is the allowed clock skew for the Date header. Zero means
	// the default of one minute; a negative value disables the check.
	TimeWindow time.Duration
}

// Result is returned on successful verification.
type Result struct {
	KeyID string
	Key   keys.VerificationKey
}

const defaultTimeWindow = time.Minute

// Verify checks req's Digest, Date, and Signature headers against the key
// named by the signature's keyId, fetched through fetcher. body may be nil
// for bodyless requests (GET); non-nil (possibly empty) for POST.
func Verify(ctx context.Context, req *http.Request, body []byte, fetcher KeyFetcher, opts Options) (Result, error) {
	dateHeader := req.Header.Get("Date")
	sigHeader := req.Header.Get("Signature")
	digestHeader := req.Header.Get("Digest")

	if dateHeader == "" || sigHeader == "" || (body != nil && digestHeader == "") {
		return Result{}, ErrMissingHeaders
	}

	if digestHeader != "" {
		if err := verifyDigest(body, digestHeader); err != nil {
			return Result{}, err
		}
	}

	window := opts.TimeWindow
	if window == 0 {
		window = defaultTimeWindow
	}
	if window > 0 {
		reqTime, err := http.ParseTime(dateHeader)
		if err != nil {
			return Result{}, fmt.Errorf("%w: invalid Date %q", ErrClockSkew, dateHeader)
		}
		if skew := time.Since(reqTime); skew > window || skew < -window {
			return Result{}, fmt.Errorf("%w: %v outside ±%v", ErrClockSkew, skew.Round(time.Second), window)
		}
	}

	verifier, err := gofedhttpsig.NewVerifier(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	keyID := verifier.KeyId()
	if keyID == "" {
		return Result{}, ErrMalformedHeader
	}

	key, err := fetcher.Get(ctx, keyID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: fetch key %s: %v", ErrVerifyFailed, keyID, err)
	}

	if key.RSAPublic == nil {
		return Result{}, fmt.Errorf("%w: key %s is not RSA", ErrVerifyFailed, keyID)
	}

	if err := verifier.Verify(key.RSAPublic, gofedhttpsig.RSA_SHA256); err != nil {
		// Retry once with a freshly fetched key, to tolerate key rotation.
		fresh, ferr := fetcher.Refetch(ctx, keyID)
		if ferr != nil || fresh.RSAPublic == nil {
			return Result{}, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
		}
		if verr := verifier.Verify(fresh.RSAPublic, gofedhttpsig.RSA_SHA256); verr != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrVerifyFailed, verr)
		}
		return Result{KeyID: keyID, Key: fresh}, nil
	}

	return Result{KeyID: keyID, Key: key}, nil
}

// verifyDigest parses the comma-separated Digest header and requires at
// least one supported algorithm (sha, sha-256, sha-512) to match; any
// mismatching supported entry fails the whole header.
func verifyDigest(body []byte, header string) error {
	entries := strings.Split(header, ",")
	matchedSupported := false

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		alg := strings.ToLower(strings.TrimSpace(parts[0]))
		want := strings.TrimSpace(parts[1])

		var got string
		switch alg {
		case "sha-256", "sha":
			sum := sha256.Sum256(body)
			got = base64.StdEncoding.EncodeToString(sum[:])
		case "sha-512":
			sum := sha512.Sum512(body)
			got = base64.StdEncoding.EncodeToString(sum[:])
		default:
			continue
		}

		matchedSupported = true
		if !hmacEqual(got, want) {
			return ErrDigestMismatch
		}
	}

	if !matchedSupported {
		return ErrUnsupportedDigest
	}
	return nil
}

func hmacEqual(a, b string) bool {
	return len(a) == len(b) && subtleCompare(a, b)
}

func subtleCompare(a, b string) bool {
	// Constant-time comparison of the two base64 digests.
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ReadAndRestoreBody reads req.Body fully and replaces it with a fresh
// reader, returning the bytes so both Digest verification and downstream
// JSON-LD parsing can consume the body.
func ReadAndRestoreBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
