package federation

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	gold "github.com/piprate/json-gold/ld"

	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
)

// FetchError is a document-loader failure carrying the URL that failed, so
// callers can log or retry against the right target.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("federation: fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// LoaderOptions configures NewKVDocumentLoader.
type LoaderOptions struct {
	HTTPClient *http.Client
	// CacheTTL bounds how long a fetched document is served from the KV
	// cache. Defaults to one hour.
	CacheTTL time.Duration
	// AllowPrivateAddresses permits fetches that resolve to loopback,
	// private, or link-local addresses. Off by default: a remote actor
	// must not be able to point a key id or actor URL at this host's
	// internal network.
	AllowPrivateAddresses bool
	// MaxBodyBytes caps the response size read. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// NewKVDocumentLoader returns the default DocumentLoader: an HTTP(S) fetcher
// that caches fetched documents in store under prefix and refuses non-HTTP
// URLs and private addresses unless explicitly permitted.
func NewKVDocumentLoader(store kv.Store, prefix kv.Key, opts LoaderOptions) DocumentLoader {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return func(ctx context.Context, rawURL string) (ld.Document, string, string, error) {
		cacheKey := append(append(kv.Key{}, prefix...), rawURL)
		if cached, ok, err := store.Get(ctx, cacheKey); err == nil && ok {
			doc, err := ld.Parse(cached)
			if err == nil {
				return doc, rawURL, "", nil
			}
		}

		if err := checkFetchTarget(ctx, rawURL, opts.AllowPrivateAddresses); err != nil {
			return nil, "", "", &FetchError{URL: rawURL, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, "", "", &FetchError{URL: rawURL, Err: err}
		}
		req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams", application/activity+json`)

		resp, err := client.Do(req)
		if err != nil {
			return nil, "", "", &FetchError{URL: rawURL, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, "", "", &FetchError{URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, "", "", &FetchError{URL: rawURL, Err: err}
		}
		doc, err := ld.Parse(body)
		if err != nil {
			return nil, "", "", &FetchError{URL: rawURL, Err: err}
		}

		_ = store.Set(ctx, cacheKey, body, ttl)
		return doc, resp.Request.URL.String(), "", nil
	}
}

// checkFetchTarget rejects non-HTTP(S) schemes and, unless allowPrivate,
// hosts that resolve to loopback/private/link-local addresses.
func checkFetchTarget(ctx context.Context, rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		ip := addr.IP
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("host %s resolves to a private address", host)
		}
	}
	return nil
}

// goldLoader adapts a DocumentLoader to json-gold's DocumentLoader
// interface so remote @context documents resolve through the same fetcher
// (and cache) as everything else.
type goldLoader struct {
	load DocumentLoader
}

func (g goldLoader) LoadDocument(u string) (*gold.RemoteDocument, error) {
	doc, docURL, ctxURL, err := g.load(context.Background(), u)
	if err != nil {
		return nil, err
	}
	if docURL == "" {
		docURL = u
	}
	return &gold.RemoteDocument{DocumentURL: docURL, Document: map[string]any(doc), ContextURL: ctxURL}, nil
}
