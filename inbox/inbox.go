// Package inbox implements the inbound activity pipeline: parse, verify,
// deduplicate against the idempotence store, dispatch to the most specific
// registered listener, and always answer 202 once the message is
// authenticated, so remote retries never amplify local listener bugs.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/klppl/fedcore/httpsig"
	"github.com/klppl/fedcore/keys"
	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
)

// DefaultIdempotenceTTL is how long a processed activity id is remembered.
const DefaultIdempotenceTTL = 7 * 24 * time.Hour

// Outcome is returned by Handle; the HTTP layer maps it to a status code.
type Outcome int

const (
	OutcomeAccepted     Outcome = iota // 202
	OutcomeBadRequest                  // 400
	OutcomeUnauthorized                // 401
)

// Listener processes one dispatched activity. Any error it returns is routed
// to ErrorHandler and never propagated to the HTTP response.
type Listener func(ctx context.Context, activity ld.Document) error

// ErrorHandler is invoked when a Listener returns an error.
type ErrorHandler func(ctx context.Context, activity ld.Document, err error)

// ListenerRegistry resolves the most specific listener registered for an
// activity's type, walking the type hierarchy toward supertypes.
type ListenerRegistry interface {
	Resolve(typeIRI string) (Listener, bool)
}

// KeyResolver fetches verification keys for HTTP-signature/proof checks.
type KeyResolver interface {
	Get(ctx context.Context, keyID string) (keys.VerificationKey, error)
	Refetch(ctx context.Context, keyID string) (keys.VerificationKey, error)
}

// ProofVerifier attempts object-level proof verification of activity and
// reports the owner/controller id that verified it. It must itself enforce
// that every attribution and actor id matches a verifying key's controller;
// this pipeline only needs to know whether it succeeded at all.
type ProofVerifier func(ctx context.Context, activity ld.Document) (verifiedOwner string, ok bool)

// Pipeline wires together the inbound processing steps.
type Pipeline struct {
	KV                  kv.Store
	IdempotencePrefix   kv.Key
	IdempotenceTTL      time.Duration
	Listeners           ListenerRegistry
	KeyResolver         KeyResolver
	ProofVerifier       ProofVerifier
	ErrorHandler        ErrorHandler
	SignatureTimeWindow time.Duration
	SkipSignatureVerify bool
}

// ErrParseFailed is returned (to the HTTP layer, as OutcomeBadRequest) when
// the body does not parse as JSON-LD.
var ErrParseFailed = errors.New("inbox: failed to parse activity body")

// Handle runs the full pipeline for one POST request. body is the raw
// request bytes (already read from req.Body by the caller, since req.Body
// can only be consumed once and digest verification also needs it).
func (p *Pipeline) Handle(ctx context.Context, req *http.Request, body []byte) (Outcome, ld.Document, error) {
	activity, err := ld.Parse(body)
	if err != nil {
		return OutcomeBadRequest, nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	if !p.SkipSignatureVerify {
		ok, err := p.verify(ctx, req, body, activity)
		if !ok {
			return OutcomeUnauthorized, nil, err
		}
	}

	ttl := p.IdempotenceTTL
	if ttl <= 0 {
		ttl = DefaultIdempotenceTTL
	}
	idKey := append(append(kv.Key{}, p.IdempotencePrefix...), activity.ID())

	if _, found, err := p.KV.Get(ctx, idKey); err == nil && found {
		return OutcomeAccepted, activity, nil // already processed
	}

	listener, ok := p.resolveListener(activity.Type())
	if !ok {
		return OutcomeAccepted, activity, nil // accepted, no-op
	}

	// Mark idempotent BEFORE dispatch to guarantee at-most-once.
	if err := p.KV.Set(ctx, idKey, []byte("1"), ttl); err != nil {
		slog.Error("inbox: failed to record idempotence", "activity", activity.ID(), "error", err)
	}

	if err := listener(ctx, activity); err != nil {
		if p.ErrorHandler != nil {
			p.ErrorHandler(ctx, activity, err)
		} else {
			slog.Error("inbox: listener error", "activity", activity.ID(), "type", activity.Type(), "error", err)
		}
	}

	return OutcomeAccepted, activity, nil
}

// verify runs HTTP-Signature verification, falling back to object-level
// proof verification if the request carries no valid HTTP signature; either
// authenticates the message, since relayed shared-inbox deliveries often
// carry only the proof. HTTP-Signature success is additionally
// ownership-checked here; the proof path enforces its own
// attribution/controller check internally.
func (p *Pipeline) verify(ctx context.Context, req *http.Request, body []byte, activity ld.Document) (bool, error) {
	result, sigErr := httpsig.Verify(ctx, req, body, p.KeyResolver, httpsig.Options{TimeWindow: p.SignatureTimeWindow})
	if sigErr == nil {
		owner := result.Key.Owner
		if owner == "" {
			owner = result.Key.ID
		}
		if owner != activity.ActorID() {
			slog.Debug("inbox: ownership check failed", "keyOwner", owner, "actor", activity.ActorID())
		} else {
			return true, nil
		}
	} else {
		slog.Debug("inbox: signature verification failed", "error", sigErr)
	}

	if p.ProofVerifier != nil {
		if _, ok := p.ProofVerifier(ctx, activity); ok {
			return true, nil
		}
	}

	if sigErr != nil {
		return false, sigErr
	}
	return false, fmt.Errorf("inbox: verifying key owner does not match actor %q", activity.ActorID())
}

func (p *Pipeline) resolveListener(typeIRI string) (Listener, bool) {
	if p.Listeners == nil {
		return nil, false
	}
	return p.Listeners.Resolve(typeIRI)
}
