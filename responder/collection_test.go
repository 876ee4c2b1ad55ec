package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/registry"
)

func threeItemDispatcher() registry.CollectionDispatcher {
	items := []ld.Document{
		{"id": "https://local.test/activities/0", "type": "Create"},
		{"id": "https://local.test/activities/1", "type": "Create"},
		{"id": "https://local.test/activities/2", "type": "Create"},
	}
	return func(ctx context.Context, handle, cursor string) (registry.CollectionPage, error) {
		if cursor == "" {
			return registry.CollectionPage{Items: items}, nil
		}
		i, err := strconv.Atoi(cursor)
		if err != nil || i < 0 || i >= len(items) {
			return registry.CollectionPage{}, fmt.Errorf("bad cursor %q", cursor)
		}
		page := registry.CollectionPage{Items: items[i : i+1]}
		if i > 0 {
			page.PrevCursor, page.HasPrev = strconv.Itoa(i-1), true
		}
		if i < len(items)-1 {
			page.NextCursor, page.HasNext = strconv.Itoa(i+1), true
		}
		return page, nil
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServeCollection_IndexWithPagingCallbacks(t *testing.T) {
	counter := func(ctx context.Context, handle string) (int, error) { return 3, nil }
	first := func(ctx context.Context, handle string) (string, error) { return "0", nil }
	last := func(ctx context.Context, handle string) (string, error) { return "2", nil }

	req := httptest.NewRequest("GET", "https://local.test/users/alice/outbox", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	ServeCollection(rec, req, CollectionRequest{
		Handle:        "alice",
		CollectionURL: "https://local.test/users/alice/outbox",
	}, threeItemDispatcher(), counter, first, last, nil, nil, nil)

	require.Equal(t, 200, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "OrderedCollection", body["type"])
	assert.Equal(t, float64(3), body["totalItems"])
	assert.Equal(t, "https://local.test/users/alice/outbox?cursor=0", body["first"])
	assert.Equal(t, "https://local.test/users/alice/outbox?cursor=2", body["last"])
}

func TestServeCollection_FirstPage(t *testing.T) {
	req := httptest.NewRequest("GET", "https://local.test/users/alice/outbox?cursor=0", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	ServeCollection(rec, req, CollectionRequest{
		Handle:        "alice",
		CollectionURL: "https://local.test/users/alice/outbox",
	}, threeItemDispatcher(), nil, nil, nil, nil, nil, nil)

	require.Equal(t, 200, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "OrderedCollectionPage", body["type"])
	assert.Equal(t, "https://local.test/users/alice/outbox", body["partOf"])
	assert.Equal(t, "https://local.test/users/alice/outbox?cursor=1", body["next"])
	assert.NotContains(t, body, "prev")
	assert.Len(t, body["orderedItems"], 1)
}

func TestServeCollection_MiddlePageHasBothLinks(t *testing.T) {
	req := httptest.NewRequest("GET", "https://local.test/users/alice/outbox?cursor=1", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	ServeCollection(rec, req, CollectionRequest{
		Handle:        "alice",
		CollectionURL: "https://local.test/users/alice/outbox",
	}, threeItemDispatcher(), nil, nil, nil, nil, nil, nil)

	body := decodeBody(t, rec)
	assert.Equal(t, "https://local.test/users/alice/outbox?cursor=2", body["next"])
	assert.Equal(t, "https://local.test/users/alice/outbox?cursor=0", body["prev"])
}

func TestServeCollection_SinglePageWithoutPagingCallbacks(t *testing.T) {
	req := httptest.NewRequest("GET", "https://local.test/users/alice/outbox", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	ServeCollection(rec, req, CollectionRequest{
		Handle:        "alice",
		CollectionURL: "https://local.test/users/alice/outbox",
	}, threeItemDispatcher(), nil, nil, nil, nil, nil, nil)

	body := decodeBody(t, rec)
	assert.Equal(t, "OrderedCollection", body["type"])
	assert.Len(t, body["orderedItems"], 3)
}

func TestServeCollection_NotAcceptable(t *testing.T) {
	req := httptest.NewRequest("GET", "https://local.test/users/alice/outbox", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()

	var notAcceptableCalled bool
	ServeCollection(rec, req, CollectionRequest{Handle: "alice"}, threeItemDispatcher(), nil, nil, nil, nil, nil,
		func(ctx context.Context, path string) { notAcceptableCalled = true })

	assert.Equal(t, 406, rec.Code)
	assert.Equal(t, "Accept, Signature", rec.Header().Get("Vary"))
	assert.True(t, notAcceptableCalled)
}

func TestServeCollection_AuthorizePredicateRejects(t *testing.T) {
	req := httptest.NewRequest("GET", "https://local.test/users/alice/followers", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	authorize := func(ctx context.Context, verifiedKeyID string) bool { return verifiedKeyID != "" }
	var unauthorizedCalled bool
	ServeCollection(rec, req, CollectionRequest{Handle: "alice"}, threeItemDispatcher(), nil, nil, nil, authorize,
		func(ctx context.Context, path string) { unauthorizedCalled = true }, nil)

	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, "Accept, Signature", rec.Header().Get("Vary"))
	assert.True(t, unauthorizedCalled)
}

func TestServeCollection_BaseURLFilterRestrictsToOrigin(t *testing.T) {
	dispatcher := func(ctx context.Context, handle, cursor string) (registry.CollectionPage, error) {
		return registry.CollectionPage{Items: []ld.Document{
			{"id": "https://a.test/users/x"},
			{"id": "https://b.test/users/y"},
		}}, nil
	}

	req := httptest.NewRequest("GET", "https://local.test/users/alice/followers?base-url=https://a.test", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()

	ServeCollection(rec, req, CollectionRequest{
		Handle:        "alice",
		CollectionURL: "https://local.test/users/alice/followers",
		BaseURLFilter: "https://a.test",
	}, dispatcher, nil, nil, nil, nil, nil, nil)

	body := decodeBody(t, rec)
	items := body["orderedItems"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "https://a.test/users/x", items[0].(map[string]any)["id"])
}
