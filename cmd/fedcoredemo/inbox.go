package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/ld"
	"github.com/klppl/fedcore/sender"
)

// loadIDList reads the string-id list stored at {"fedcoredemo", name}.
func (a *demoActor) loadIDList(ctx context.Context, name string) ([]string, error) {
	raw, ok, err := a.kv.Get(ctx, kv.Key{"fedcoredemo", name})
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// appendToCollection appends id to the list at {"fedcoredemo", name},
// skipping it if already present.
func (a *demoActor) appendToCollection(ctx context.Context, name, id string) error {
	ids, err := a.loadIDList(ctx, name)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return a.kv.Set(ctx, kv.Key{"fedcoredemo", name}, raw, 0)
}

// removeFromCollection drops id from the list at {"fedcoredemo", name}.
func (a *demoActor) removeFromCollection(ctx context.Context, name, id string) error {
	ids, err := a.loadIDList(ctx, name)
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return a.kv.Set(ctx, kv.Key{"fedcoredemo", name}, raw, 0)
}

// handleFollow implements the standard "record the follower, reply with
// Accept" flow: recorded to the followers collection, then an Accept
// activity is sent back through the same dispatcher every outbound send
// uses.
func (a *demoActor) handleFollow(ctx context.Context, activity ld.Document) error {
	followerID := activity.ActorID()
	if followerID == "" {
		return nil
	}
	if err := a.appendToCollection(ctx, "followers", followerID); err != nil {
		return err
	}
	slog.Info("fedcoredemo: follow received", "from", followerID)

	followerInbox, err := a.resolveInbox(ctx, followerID)
	if err != nil {
		slog.Error("fedcoredemo: could not resolve follower inbox, accept not sent", "follower", followerID, "error", err)
		return nil
	}

	accept := ld.Document{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       a.actorURL + "/activities/" + uuid.NewString(),
		"type":     "Accept",
		"actor":    a.actorURL,
		"object":   activity,
	}
	return a.send(ctx, accept, []sender.Recipient{{ID: followerID, Inbox: followerInbox}})
}

// handleUndo removes the Undo's own actor from the followers collection
// when the wrapped activity is a Follow; every other Undo is logged at
// debug level and otherwise ignored.
func (a *demoActor) handleUndo(ctx context.Context, activity ld.Document) error {
	wrapped, ok := activity["object"].(map[string]any)
	if !ok || ld.Document(wrapped).Type() != "Follow" {
		slog.Debug("fedcoredemo: ignoring Undo of a non-Follow activity", "id", activity.ID())
		return nil
	}
	return a.removeFromCollection(ctx, "followers", activity.ActorID())
}

// handleGenericActivity is the catch-all listener registered against the
// "Activity" supertype: it appends the activity to the outbox history and
// logs it, covering Create/Like/Announce and anything else without a
// dedicated handler.
func (a *demoActor) handleGenericActivity(ctx context.Context, activity ld.Document) error {
	slog.Info("fedcoredemo: activity received", "type", activity.Type(), "id", activity.ID(), "actor", activity.ActorID())
	if id := activity.ID(); id != "" {
		return a.appendToCollection(ctx, "outbox", id)
	}
	return nil
}

func (a *demoActor) resolveInbox(ctx context.Context, actorID string) (string, error) {
	doc, _, _, err := a.fetchDocument(ctx, actorID)
	if err != nil {
		return "", err
	}
	if inbox, ok := doc["inbox"].(string); ok && inbox != "" {
		return inbox, nil
	}
	return "", nil
}

func (a *demoActor) send(ctx context.Context, activity ld.Document, recipients []sender.Recipient) error {
	fedCtx := a.federation.NewContext(ctx, a.cfg.BaseURL(""))
	pairs := a.keys.senderPairs(a.keyID, a.multikeyID)
	return fedCtx.SendActivity(pairs, recipients, activity, sender.SendOptions{
		PreferSharedInbox: true,
	})
}
