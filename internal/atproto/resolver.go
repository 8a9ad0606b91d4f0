package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/bmailapp/bmail/internal/bmailerr"
	"github.com/bmailapp/bmail/internal/model"
)

// Resolver is the Profile-Recipient Resolver of spec.md §4.3: given a
// DID or handle, it fetches the actor's profile record and extracts
// their advertised bmail public key and sentinel-post reference.
type Resolver struct {
	Client *Client

	// limiter caps outbound profile fetches, the rate-limiting policy
	// spec.md §9 calls out as unspecified-but-needed for backfill and
	// repeated peer-directory lookups.
	limiter *rate.Limiter
}

// NewResolver creates a Resolver backed by client, rate-limited to
// ratePerSecond profile fetches and handle resolutions per second, with
// a burst of int(ratePerSecond)+1. A ratePerSecond <= 0 means 5.
func NewResolver(client *Client, ratePerSecond float64) *Resolver {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	return &Resolver{
		Client:  client,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
	}
}

// ResolveDID resolves a handle to a DID, or returns did unchanged if it
// already looks like one.
func (r *Resolver) ResolveDID(ctx context.Context, didOrHandle string) (string, error) {
	if strings.HasPrefix(didOrHandle, "did:") {
		return didOrHandle, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	did, err := r.Client.ResolveHandle(ctx, didOrHandle)
	if err != nil {
		return "", fmt.Errorf("%w: resolve handle %q: %v", bmailerr.ErrNetwork, didOrHandle, err)
	}
	return did, nil
}

// Profile fetches repo's actor.profile/self record and parses it into
// a ProfileOverlay. Unknown non-overlay profile fields are ignored.
func (r *Resolver) Profile(ctx context.Context, repoDID string) (*model.ProfileOverlay, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := r.Client.GetRecord(ctx, repoDID, ProfileCollection, ProfileRKey)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch profile for %s: %v", bmailerr.ErrNetwork, repoDID, err)
	}

	raw, err := json.Marshal(resp.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: re-marshal profile value: %v", bmailerr.ErrProfileParse, err)
	}
	var overlay model.ProfileOverlay
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("%w: %v", bmailerr.ErrProfileParse, err)
	}
	return &overlay, nil
}

// RecipientKey fetches repo's profile and returns its advertised bmail
// public key. Returns ("", nil) if the profile has no key yet — the
// caller treats that as "recipient unavailable", not a hard error
// (spec.md §4.7 turns this into RecipientKeyMissing at the send path).
func (r *Resolver) RecipientKey(ctx context.Context, repoDID string) (string, error) {
	overlay, err := r.Profile(ctx, repoDID)
	if err != nil {
		return "", err
	}
	return overlay.PubKey, nil
}
