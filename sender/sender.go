// Package sender implements the outbound delivery pipeline: recipient-to-
// inbox expansion, request signing and dispatch, and the durable retry queue
// listener that redelivers failed POSTs on a configurable backoff schedule.
package sender

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/fedcore/dataintegrity"
	"github.com/klppl/fedcore/httpsig"
	"github.com/klppl/fedcore/keys"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/mq"
)

// DefaultBackoffSchedule is the default retry delay sequence: five attempts
// after the initial delivery, spread from seconds to an hour.
var DefaultBackoffSchedule = []time.Duration{
	3 * time.Second,
	15 * time.Second,
	60 * time.Second,
	15 * time.Minute,
	60 * time.Minute,
}

// Recipient is a delivery target: an actor id, its individual inbox, and
// optionally the shared inbox of its server.
type Recipient struct {
	ID          string
	Inbox       string
	SharedInbox string
}

// ErrMissingActor is returned when an activity handed to the send path has
// no actor.
var ErrMissingActor = errors.New("sender: activity has no actor")

// ExtractInboxesOptions configures ExtractInboxes.
type ExtractInboxesOptions struct {
	PreferSharedInbox bool
	ExcludeBaseURIs   []string
}

// ExtractInboxes maps each recipient's effective inbox URL to the set of
// recipient ids delivered there, preferring the shared inbox when asked and
// skipping recipients whose chosen inbox origin is in ExcludeBaseURIs (so a
// sender never delivers to a shared inbox it also owns).
func ExtractInboxes(recipients []Recipient, opts ExtractInboxesOptions) map[string][]string {
	excluded := make(map[string]bool, len(opts.ExcludeBaseURIs))
	for _, u := range opts.ExcludeBaseURIs {
		excluded[u] = true
	}

	out := make(map[string][]string)
	for _, r := range recipients {
		inbox := r.Inbox
		if opts.PreferSharedInbox && r.SharedInbox != "" {
			inbox = r.SharedInbox
		}
		if inbox == "" {
			continue
		}
		if excluded[origin(inbox)] {
			continue
		}
		out[inbox] = append(out[inbox], r.ID)
	}
	return out
}

func origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var DefaultHTTPClient HTTPClient = &http.Client{Timeout: 15 * time.Second}

// SendActivityRequest is the argument to SendActivity.
type SendActivityRequest struct {
	Keys     []keys.SenderKeyPair
	Activity ld.Document
	Inbox    string
	Headers  map[string]string
}

// DeliveryError carries the response status and a body excerpt from a failed
// POST.
type DeliveryError struct {
	Inbox       string
	StatusCode  int
	BodyExcerpt string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sender: delivery to %s failed: HTTP %d: %s", e.Inbox, e.StatusCode, e.BodyExcerpt)
}

// SendActivity signs and POSTs one activity to one inbox using the RSA key
// out of req.Keys. Connection failures and 5xx responses come back wrapped
// as transient so queue backends retry them; 4xx responses do not.
func SendActivity(ctx context.Context, req SendActivityRequest) error {
	if req.Activity.ActorID() == "" {
		return ErrMissingActor
	}

	rsaPair, ok := keys.RSAKeyPair(req.Keys)
	if !ok {
		return fmt.Errorf("sender: no RSA key pair available for HTTP Signatures")
	}

	body, err := req.Activity.Bytes()
	if err != nil {
		return fmt.Errorf("sender: serialize activity: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sender: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/activity+json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if err := httpsig.Sign(httpReq, rsaPair.KeyID, rsaPair.RSAPrivate, body); err != nil {
		return fmt.Errorf("sender: sign request: %w", err)
	}

	resp, err := DefaultHTTPClient.Do(httpReq)
	if err != nil {
		return mq.NewTransient(fmt.Errorf("sender: dispatch to %s: %w", req.Inbox, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		derr := &DeliveryError{Inbox: req.Inbox, StatusCode: resp.StatusCode, BodyExcerpt: string(excerpt)}
		if resp.StatusCode >= 500 {
			return mq.NewTransient(derr)
		}
		return derr
	}

	slog.Debug("sender: delivered activity", "inbox", req.Inbox, "status", resp.StatusCode)
	return nil
}

// OutboxMessage is the queued unit of outbound work: one activity bound for
// one inbox, with the key material needed to sign the delivery. Keys
// round-trip through wireKeyPair so a durable queue backend can serialize
// the private key material alongside the activity rather than relying on
// the sending process to still be alive when the message is dequeued.
type OutboxMessage struct {
	Keys     []keys.SenderKeyPair `json:"-"`
	WireKeys []wireKeyPair        `json:"keys"`
	Activity json.RawMessage      `json:"activity"`
	Inbox    string               `json:"inbox"`
	Attempt  int                  `json:"attempt"`
	Headers  map[string]string    `json:"headers,omitempty"`
	Started  time.Time            `json:"started"`
}

// wireKeyPair is keys.SenderKeyPair's durable-queue wire encoding: RSA
// private keys as PKCS#1 DER, Ed25519 private keys as their raw 64 bytes.
type wireKeyPair struct {
	KeyID      string         `json:"keyId"`
	Algorithm  keys.Algorithm `json:"algorithm"`
	RSAPrivate []byte         `json:"rsaPrivate,omitempty"`
	EdPrivate  []byte         `json:"edPrivate,omitempty"`
}

func encodeWireKeys(pairs []keys.SenderKeyPair) []wireKeyPair {
	out := make([]wireKeyPair, 0, len(pairs))
	for _, p := range pairs {
		w := wireKeyPair{KeyID: p.KeyID, Algorithm: p.Algorithm}
		if p.RSAPrivate != nil {
			w.RSAPrivate = x509.MarshalPKCS1PrivateKey(p.RSAPrivate)
		}
		if p.EdPrivate != nil {
			w.EdPrivate = append([]byte{}, p.EdPrivate...)
		}
		out = append(out, w)
	}
	return out
}

func decodeWireKeys(wire []wireKeyPair) ([]keys.SenderKeyPair, error) {
	out := make([]keys.SenderKeyPair, 0, len(wire))
	for _, w := range wire {
		p := keys.SenderKeyPair{KeyID: w.KeyID, Algorithm: w.Algorithm}
		if len(w.RSAPrivate) > 0 {
			priv, err := x509.ParsePKCS1PrivateKey(w.RSAPrivate)
			if err != nil {
				return nil, fmt.Errorf("sender: parse queued RSA key %s: %w", w.KeyID, err)
			}
			p.RSAPrivate = priv
		}
		if len(w.EdPrivate) > 0 {
			p.EdPrivate = ed25519.PrivateKey(append([]byte{}, w.EdPrivate...))
		}
		out = append(out, p)
	}
	return out, nil
}

// OnOutboxError is invoked on every failed queued delivery attempt before
// retry bookkeeping; its own panics are swallowed. Immediate sends do not
// call it; their first error is returned to the caller instead.
type OnOutboxError func(err error, activity ld.Document)

// SendOptions configures one Send call.
type SendOptions struct {
	Immediate         bool
	PreferSharedInbox bool
	ExcludeBaseURIs   []string
	Headers           map[string]string
	// FollowersCollectionURL, when set, marks this send as a followers
	// fan-out: every delivery carries a Collection-Synchronization header
	// (FEP-8fcf) digesting the recipient ids delivered to that inbox.
	FollowersCollectionURL string
}

// Dispatcher sends a prepared activity to every recipient, either
// immediately (parallel fan-out, first-error-wins) or by enqueuing one
// message per inbox onto an mq.Queue.
type Dispatcher struct {
	Queue           mq.Queue
	BackoffSchedule []time.Duration
	OnOutboxError   OnOutboxError
	// Proofs, when non-nil, attaches an eddsa-jcs-2022 proof to every
	// outbound activity that carries none, using the Ed25519 pair out of
	// the sender's keys. Left nil, activities go out with only the HTTP
	// signature.
	Proofs *dataintegrity.Suite

	listenOnce sync.Once
}

// NewDispatcher returns a Dispatcher. queue may be nil, in which case every
// send is immediate regardless of SendOptions.Immediate.
func NewDispatcher(queue mq.Queue, onError OnOutboxError) *Dispatcher {
	return &Dispatcher{
		Queue:           queue,
		BackoffSchedule: DefaultBackoffSchedule,
		OnOutboxError:   onError,
	}
}

// Send validates pairs and activity, stamps a urn:uuid id if the activity
// has none, expands recipients to inboxes, and either fans out immediately
// or enqueues one message per inbox with attempt 0.
func (d *Dispatcher) Send(ctx context.Context, pairs []keys.SenderKeyPair, recipients []Recipient, activity ld.Document, opts SendOptions) error {
	if err := keys.Validate(pairs); err != nil {
		return err
	}
	if activity.ActorID() == "" {
		return ErrMissingActor
	}

	if activity.ID() == "" {
		activity = activity.WithField("id", "urn:uuid:"+uuid.NewString())
	}

	var err error
	activity, err = d.attachProof(activity, pairs)
	if err != nil {
		return err
	}

	inboxes := ExtractInboxes(recipients, ExtractInboxesOptions{
		PreferSharedInbox: opts.PreferSharedInbox,
		ExcludeBaseURIs:   opts.ExcludeBaseURIs,
	})

	if opts.Immediate || d.Queue == nil {
		return d.sendAllImmediate(ctx, pairs, activity, inboxes, opts)
	}

	d.startListener(ctx)

	for inbox, recipientIDs := range inboxes {
		msg := OutboxMessage{
			Keys:     pairs,
			WireKeys: encodeWireKeys(pairs),
			Inbox:    inbox,
			Attempt:  0,
			Headers:  inboxHeaders(opts, inbox, recipientIDs),
			Started:  time.Now().UTC(),
		}
		body, err := activity.Bytes()
		if err != nil {
			return err
		}
		msg.Activity = body
		if err := d.enqueue(ctx, msg, 0); err != nil {
			return err
		}
	}
	return nil
}

// attachProof adds an object-level proof signed with the Ed25519 pair, when
// one is present and the activity doesn't already carry a proof.
func (d *Dispatcher) attachProof(activity ld.Document, pairs []keys.SenderKeyPair) (ld.Document, error) {
	if d.Proofs == nil {
		return activity, nil
	}
	if _, hasProof := activity["proof"]; hasProof {
		return activity, nil
	}
	edPair, ok := keys.Ed25519KeyPair(pairs)
	if !ok {
		return activity, nil
	}

	docContext := activity["@context"]
	if docContext == nil {
		docContext = "https://www.w3.org/ns/activitystreams"
	}
	signed, err := d.Proofs.Sign(map[string]any(activity), docContext, edPair.EdPrivate, edPair.KeyID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("sender: attach proof: %w", err)
	}
	return ld.Document(signed), nil
}

// inboxHeaders merges the caller's headers with the per-inbox
// Collection-Synchronization header on followers fan-outs.
func inboxHeaders(opts SendOptions, inbox string, recipientIDs []string) map[string]string {
	if opts.FollowersCollectionURL == "" {
		return opts.Headers
	}
	merged := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		merged[k] = v
	}
	merged["Collection-Synchronization"] = CollectionSyncHeader(opts.FollowersCollectionURL, origin(inbox), recipientIDs)
	return merged
}

func (d *Dispatcher) sendAllImmediate(ctx context.Context, pairs []keys.SenderKeyPair, activity ld.Document, inboxes map[string][]string, opts SendOptions) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(inboxes))

	for inbox, recipientIDs := range inboxes {
		wg.Add(1)
		go func(inbox string, recipientIDs []string) {
			defer wg.Done()
			err := SendActivity(ctx, SendActivityRequest{
				Keys:     pairs,
				Activity: activity,
				Inbox:    inbox,
				Headers:  inboxHeaders(opts, inbox, recipientIDs),
			})
			if err != nil {
				errCh <- err
			}
		}(inbox, recipientIDs)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err // all deliveries ran; the first failure is the caller's
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, msg OutboxMessage, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sender: marshal outbox message: %w", err)
	}
	return d.Queue.Enqueue(ctx, payload, delay)
}

// startListener lazily starts draining the queue, exactly once per
// Dispatcher instance. The listener keeps ctx's values but not its
// cancellation, so it outlives the Send call that started it.
func (d *Dispatcher) startListener(ctx context.Context) {
	d.listenOnce.Do(func() {
		go func() {
			if err := d.Queue.Listen(context.WithoutCancel(ctx), d.handle); err != nil {
				slog.Error("sender: queue listener stopped", "error", err)
			}
		}()
	})
}

func (d *Dispatcher) handle(ctx context.Context, raw mq.Message) error {
	var msg OutboxMessage
	if err := json.Unmarshal(raw.Payload, &msg); err != nil {
		slog.Error("sender: malformed outbox message, dropping", "error", err)
		return nil
	}
	decodedKeys, err := decodeWireKeys(msg.WireKeys)
	if err != nil {
		slog.Error("sender: malformed outbox message keys, dropping", "error", err)
		return nil
	}
	msg.Keys = decodedKeys

	activity, err := ld.Parse(msg.Activity)
	if err != nil {
		slog.Error("sender: malformed queued activity, dropping", "error", err)
		return nil
	}

	err = SendActivity(ctx, SendActivityRequest{Keys: msg.Keys, Activity: activity, Inbox: msg.Inbox, Headers: msg.Headers})
	if err == nil {
		slog.Debug("sender: queued delivery succeeded", "inbox", msg.Inbox, "attempt", msg.Attempt)
		return nil
	}

	if d.OnOutboxError != nil {
		func() {
			defer func() { recover() }()
			d.OnOutboxError(err, activity)
		}()
	}

	schedule := d.BackoffSchedule
	if schedule == nil {
		schedule = DefaultBackoffSchedule
	}

	if msg.Attempt >= len(schedule) {
		slog.Warn("sender: giving up after exhausting backoff schedule", "inbox", msg.Inbox, "attempt", msg.Attempt)
		return nil
	}

	delay := schedule[msg.Attempt]
	msg.Attempt++
	if reenqueueErr := d.enqueue(ctx, msg, delay); reenqueueErr != nil {
		return mq.NewTransient(fmt.Errorf("sender: re-enqueue failed: %w", reenqueueErr))
	}
	return nil
}

// WorkerShard assigns inbox to one of n shards by CRC32, so that retries of
// the same inbox always land on the same worker and preserve per-inbox
// delivery order while parallelizing across inboxes.
func WorkerShard(inbox string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(inbox)) % uint32(n))
}
