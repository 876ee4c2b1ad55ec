package federation

import (
	"context"
	"fmt"

	"github.com/klppl/fedcore/keys"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/sender"
)

// Context is the per-request/per-send handle: it borrows the Router, the
// document loader, and the send pipeline from its Federation for exactly one
// request or one send call, and is never reused across requests.
type Context struct {
	ctx           context.Context
	federation    *Federation
	requestOrigin string // scheme://host, used to build absolute URLs

	// verifiedKeyID memoizes the result of the signature check for this
	// request, so a collection responder's authorize predicate doesn't
	// re-verify.
	verifiedKeyID string
}

// Context returns the underlying context.Context for cancellation/deadline
// propagation into document loads, KV/MQ operations, and outbound POSTs.
func (c *Context) Context() context.Context { return c.ctx }

// Origin returns the scheme://host this Context's requests/sends are scoped
// to, honoring Federation's trustForwardedHeaders setting when it was built
// from an inbound HTTP request (see requestOrigin in http.go).
func (c *Context) Origin() string { return c.requestOrigin }

// BuildURL expands route name with values against the Router, rooted at
// this Context's origin. Returns "" if the route is unknown or a required
// variable is missing.
func (c *Context) BuildURL(name string, values map[string]string) string {
	path, ok := c.federation.router.Build(name, values)
	if !ok {
		return ""
	}
	return c.requestOrigin + path
}

// VerifiedKeyID returns the key id that authenticated the current request,
// or "" if the request was unsigned or this Context was not built from an
// inbound request.
func (c *Context) VerifiedKeyID() string { return c.verifiedKeyID }

// LoadDocument fetches url via the configured document loader.
func (c *Context) LoadDocument(url string) (ld.Document, error) {
	if c.federation.documentLoader == nil {
		return nil, fmt.Errorf("federation: no document loader configured")
	}
	doc, _, _, err := c.federation.documentLoader(c.ctx, url)
	return doc, err
}

// SendActivity validates keys and the activity's actor, stamps an id if
// absent, expands recipients to inboxes, and either fans out immediately or
// enqueues one message per inbox via the configured MessageQueue.
func (c *Context) SendActivity(pairs []keys.SenderKeyPair, recipients []sender.Recipient, activity ld.Document, opts sender.SendOptions) error {
	return c.federation.dispatcher.Send(c.ctx, pairs, recipients, activity, opts)
}
