// Package registry holds the per-Federation-instance callback table: actor,
// object, and collection dispatchers, inbox listeners keyed by activity type
// with supertype-walking dispatch, and the other setup-time-only slots.
// Every setter is single-assignment and fails loudly on double-set. There is
// deliberately no mutex: writes only ever happen during application setup,
// before any request is routed, and the table is read-only afterwards.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/klppl/fedcore/ld"
)

// ErrAlreadySet is returned by every setter on double-assignment.
var ErrAlreadySet = errors.New("registry: already set")

// ActorDispatcher resolves a handle to an actor document, or nil if unknown.
type ActorDispatcher func(ctx context.Context, handle string) (ld.Document, error)

// ObjectDispatcher resolves path variables to an object document.
type ObjectDispatcher func(ctx context.Context, values map[string]string) (ld.Document, error)

// CollectionPage is the dispatcher result shape for collection serving.
type CollectionPage struct {
	Items      []ld.Document
	NextCursor string
	PrevCursor string
	HasNext    bool
	HasPrev    bool
}

// CollectionDispatcher serves one page (cursor == "" means "no cursor").
type CollectionDispatcher func(ctx context.Context, handle string, cursor string) (CollectionPage, error)

// CollectionCounter, when registered alongside FirstCursor/LastCursor,
// switches the no-cursor response from a single-page OrderedCollection to an
// index OrderedCollection with totalItems/first/last.
type CollectionCounter func(ctx context.Context, handle string) (int, error)
type CollectionCursor func(ctx context.Context, handle string) (string, error)

// InboxListener processes one verified, deduplicated inbound activity.
type InboxListener func(ctx context.Context, activity ld.Document) error

// InboxErrorHandler handles a listener's returned error without propagating it.
type InboxErrorHandler func(ctx context.Context, activity ld.Document, err error)

// NodeInfoDispatcher returns the 2.1 NodeInfo document.
type NodeInfoDispatcher func(ctx context.Context) (map[string]any, error)

// NotAcceptableHandler / NotFoundHandler / UnauthorizedHandler are called
// for their respective response paths before the core writes the status.
type NotAcceptableHandler func(ctx context.Context, path string)
type NotFoundHandler func(ctx context.Context, path string)
type UnauthorizedHandler func(ctx context.Context, path string)

// AuthorizePredicate, when set on a collection, gates access to the
// verified signer (empty string if unsigned).
type AuthorizePredicate func(ctx context.Context, verifiedKeyID string) bool

type collectionSet struct {
	dispatcher  CollectionDispatcher
	counter     CollectionCounter
	firstCursor CollectionCursor
	lastCursor  CollectionCursor
	authorize   AuthorizePredicate
}

// Registry is built once via single-assignment setters, then read-only.
type Registry struct {
	actorDispatcher   ActorDispatcher
	objectDispatchers map[string]ObjectDispatcher // typeIRI -> dispatcher

	collections map[string]*collectionSet // "outbox" | "inbox" | "following" | "followers"

	listeners  map[string]InboxListener // typeIRI -> listener
	supertypes map[string]string        // typeIRI -> supertype IRI

	inboxErrorHandler     InboxErrorHandler
	nodeInfoDispatcher    NodeInfoDispatcher
	sharedInboxDispatcher func(ctx context.Context, req SharedInboxRequest) (identity string, err error)

	onNotAcceptable NotAcceptableHandler
	onNotFound      NotFoundHandler
	onUnauthorized  UnauthorizedHandler
}

// SharedInboxRequest carries whatever the shared-inbox key dispatcher needs
// to pick an identity for the authenticated document loader.
type SharedInboxRequest struct {
	ActivityActorID string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		objectDispatchers: make(map[string]ObjectDispatcher),
		collections:       make(map[string]*collectionSet),
		listeners:         make(map[string]InboxListener),
		supertypes:        make(map[string]string),
	}
}

// SetActorDispatcher registers the single actor dispatcher.
func (r *Registry) SetActorDispatcher(d ActorDispatcher) error {
	if r.actorDispatcher != nil {
		return fmt.Errorf("%w: actor dispatcher", ErrAlreadySet)
	}
	r.actorDispatcher = d
	return nil
}

func (r *Registry) ActorDispatcher() (ActorDispatcher, bool) {
	return r.actorDispatcher, r.actorDispatcher != nil
}

// SetObjectDispatcher registers a dispatcher for one object type IRI.
func (r *Registry) SetObjectDispatcher(typeIRI string, d ObjectDispatcher) error {
	if _, exists := r.objectDispatchers[typeIRI]; exists {
		return fmt.Errorf("%w: object dispatcher for %s", ErrAlreadySet, typeIRI)
	}
	r.objectDispatchers[typeIRI] = d
	return nil
}

func (r *Registry) ObjectDispatcher(typeIRI string) (ObjectDispatcher, bool) {
	d, ok := r.objectDispatchers[typeIRI]
	return d, ok
}

// SetCollectionDispatcher registers the dispatcher for name in
// {"outbox","inbox","following","followers"}.
func (r *Registry) SetCollectionDispatcher(name string, d CollectionDispatcher) error {
	cs := r.collectionFor(name)
	if cs.dispatcher != nil {
		return fmt.Errorf("%w: %s collection dispatcher", ErrAlreadySet, name)
	}
	cs.dispatcher = d
	return nil
}

// SetCollectionPaging registers the counter/firstCursor/lastCursor triple
// that switches a collection to index mode.
func (r *Registry) SetCollectionPaging(name string, counter CollectionCounter, first, last CollectionCursor) error {
	cs := r.collectionFor(name)
	if cs.counter != nil {
		return fmt.Errorf("%w: %s collection paging", ErrAlreadySet, name)
	}
	cs.counter, cs.firstCursor, cs.lastCursor = counter, first, last
	return nil
}

// SetCollectionAuthorize registers an authorize predicate for a collection.
func (r *Registry) SetCollectionAuthorize(name string, p AuthorizePredicate) error {
	cs := r.collectionFor(name)
	if cs.authorize != nil {
		return fmt.Errorf("%w: %s collection authorize", ErrAlreadySet, name)
	}
	cs.authorize = p
	return nil
}

func (r *Registry) collectionFor(name string) *collectionSet {
	cs, ok := r.collections[name]
	if !ok {
		cs = &collectionSet{}
		r.collections[name] = cs
	}
	return cs
}

// Collection returns name's dispatcher, paging callbacks, and authorize
// predicate, if any have been registered.
func (r *Registry) Collection(name string) (dispatcher CollectionDispatcher, counter CollectionCounter, first, last CollectionCursor, authorize AuthorizePredicate, ok bool) {
	cs, exists := r.collections[name]
	if !exists || cs.dispatcher == nil {
		return nil, nil, nil, nil, nil, false
	}
	return cs.dispatcher, cs.counter, cs.firstCursor, cs.lastCursor, cs.authorize, true
}

// SetSupertype records that typeIRI's most specific handler walk should fall
// back to supertypeIRI when no listener is registered directly for typeIRI.
func (r *Registry) SetSupertype(typeIRI, supertypeIRI string) {
	r.supertypes[typeIRI] = supertypeIRI
}

// SetListener registers an inbox listener for typeIRI.
func (r *Registry) SetListener(typeIRI string, l InboxListener) error {
	if _, exists := r.listeners[typeIRI]; exists {
		return fmt.Errorf("%w: listener for %s", ErrAlreadySet, typeIRI)
	}
	r.listeners[typeIRI] = l
	return nil
}

// Resolve walks supertypes until a registered listener is found.
func (r *Registry) Resolve(typeIRI string) (InboxListener, bool) {
	seen := make(map[string]bool)
	for typeIRI != "" && !seen[typeIRI] {
		if l, ok := r.listeners[typeIRI]; ok {
			return l, true
		}
		seen[typeIRI] = true
		typeIRI = r.supertypes[typeIRI]
	}
	return nil, false
}

// HasListeners reports whether any inbox listener has been registered, for
// CheckActorConsistency's actor/inbox-URL sanity check.
func (r *Registry) HasListeners() bool {
	return len(r.listeners) > 0
}

func (r *Registry) SetInboxErrorHandler(h InboxErrorHandler) error {
	if r.inboxErrorHandler != nil {
		return fmt.Errorf("%w: inbox error handler", ErrAlreadySet)
	}
	r.inboxErrorHandler = h
	return nil
}

func (r *Registry) InboxErrorHandler() InboxErrorHandler { return r.inboxErrorHandler }

func (r *Registry) SetNodeInfoDispatcher(d NodeInfoDispatcher) error {
	if r.nodeInfoDispatcher != nil {
		return fmt.Errorf("%w: nodeInfo dispatcher", ErrAlreadySet)
	}
	r.nodeInfoDispatcher = d
	return nil
}

func (r *Registry) NodeInfoDispatcher() (NodeInfoDispatcher, bool) {
	return r.nodeInfoDispatcher, r.nodeInfoDispatcher != nil
}

func (r *Registry) SetSharedInboxKeyDispatcher(d func(ctx context.Context, req SharedInboxRequest) (string, error)) error {
	if r.sharedInboxDispatcher != nil {
		return fmt.Errorf("%w: shared inbox key dispatcher", ErrAlreadySet)
	}
	r.sharedInboxDispatcher = d
	return nil
}

func (r *Registry) SharedInboxKeyDispatcher() (func(ctx context.Context, req SharedInboxRequest) (string, error), bool) {
	return r.sharedInboxDispatcher, r.sharedInboxDispatcher != nil
}

func (r *Registry) SetOnNotAcceptable(h NotAcceptableHandler) error {
	if r.onNotAcceptable != nil {
		return fmt.Errorf("%w: onNotAcceptable", ErrAlreadySet)
	}
	r.onNotAcceptable = h
	return nil
}
func (r *Registry) OnNotAcceptable() NotAcceptableHandler { return r.onNotAcceptable }

func (r *Registry) SetOnNotFound(h NotFoundHandler) error {
	if r.onNotFound != nil {
		return fmt.Errorf("%w: onNotFound", ErrAlreadySet)
	}
	r.onNotFound = h
	return nil
}
func (r *Registry) OnNotFound() NotFoundHandler { return r.onNotFound }

func (r *Registry) SetOnUnauthorized(h UnauthorizedHandler) error {
	if r.onUnauthorized != nil {
		return fmt.Errorf("%w: onUnauthorized", ErrAlreadySet)
	}
	r.onUnauthorized = h
	return nil
}
func (r *Registry) OnUnauthorized() UnauthorizedHandler { return r.onUnauthorized }
