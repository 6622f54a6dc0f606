// Package model defines the core domain types for tagged.
//
// tagged keeps a local, speculative view of per-user "like" state for items
// on the Decoded/Tagged content platform and reconciles it with the backend:
//
//   - A MutationTarget names what a toggle applies to: the (resource type,
//     resource id, actor) triple. It is a value type, so a mutation in flight
//     holds its own immutable copy.
//
//   - A LikeState is the user-visible pair (isLiked, count). The coordinator
//     snapshots it before flipping and restores the snapshot on failure.
//
//   - A LikeReport is what the backend says. It may omit the count, in which
//     case merging keeps the locally known count.
package model

import (
	"fmt"
	"time"
)

// ResourceType is the backend doc_type of a likeable resource.
type ResourceType string

const (
	ResourceImage   ResourceType = "image"
	ResourceItem    ResourceType = "item"
	ResourceContent ResourceType = "content"
	ResourceFeed    ResourceType = "feed"
)

// MutationTarget identifies the entity a mutation applies to.
type MutationTarget struct {
	Resource ResourceType `json:"resource"`
	ID       string       `json:"id"`
	Actor    string       `json:"actor"`
}

// Key returns the stable string form resource:id:actor.
func (t MutationTarget) Key() string {
	return fmt.Sprintf("%s:%s:%s", t.Resource, t.ID, t.Actor)
}

// CacheKey returns the cache key for this target in the given category.
func (t MutationTarget) CacheKey(category string) CacheKey {
	return CacheKey{Category: category, Resource: t.Resource, ID: t.ID, Actor: t.Actor}
}

// CacheKey is the stable key of a cache entry.
type CacheKey struct {
	Category string
	Resource ResourceType
	ID       string
	Actor    string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s:%s:%s", k.Category, k.Resource, k.ID, k.Actor)
}

// LikeState is the user-visible like status of one target.
type LikeState struct {
	IsLiked bool `json:"is_liked"`
	Count   int  `json:"count"`
}

// Flip returns the state after toggling. The count never drops below zero.
func (s LikeState) Flip() LikeState {
	if s.IsLiked {
		n := s.Count - 1
		if n < 0 {
			n = 0
		}
		return LikeState{IsLiked: false, Count: n}
	}
	return LikeState{IsLiked: true, Count: s.Count + 1}
}

// LikeReport is an authoritative like status read from the backend.
type LikeReport struct {
	IsLiked  bool `json:"is_liked"`
	Count    int  `json:"count"`
	HasCount bool `json:"has_count"`
}

// Merge applies the report on top of base. The count is only replaced when
// the backend reported one.
func (r LikeReport) Merge(base LikeState) LikeState {
	out := LikeState{IsLiked: r.IsLiked, Count: base.Count}
	if r.HasCount {
		out.Count = r.Count
	}
	return out
}

// Phase is the state of one optimistic mutation.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseOptimistic  Phase = "optimistic"
	PhaseReconciling Phase = "reconciling"
	PhaseSettled     Phase = "settled"
	PhaseRolledBack  Phase = "rolled_back"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseSettled || p == PhaseRolledBack
}

// Envelope is the response wrapper used by most backend endpoints.
type Envelope[T any] struct {
	StatusCode  int    `json:"status_code"`
	Description string `json:"description"`
	Data        T      `json:"data"`
}

// Storage scopes, mirroring browser session and local storage.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeLocal   Scope = "local"
)

// Session storage keys.
const (
	KeyUserDocID      = "USER_DOC_ID"
	KeyAccessToken    = "ACCESS_TOKEN"
	KeyUserEmail      = "USER_EMAIL"
	KeyTokenExpiresAt = "ACCESS_TOKEN_EXPIRES_AT"
)

// Local storage keys for cached OAuth artifacts.
const (
	KeyGoogleIDToken  = "GOOGLE_ID_TOKEN"
	KeyGoogleAuthCode = "GOOGLE_AUTH_CODE"
)

// Session is the signed-in user's state.
type Session struct {
	UserDocID   string    `json:"user_doc_id"`
	AccessToken string    `json:"access_token,omitempty"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// LoggedIn reports whether the session carries an identity and a token.
func (s Session) LoggedIn() bool {
	return s.UserDocID != "" && s.AccessToken != ""
}

// Expired reports whether the token is missing or past its expiry.
// A zero ExpiresAt means the backend did not say; such tokens never expire
// locally.
func (s Session) Expired(now time.Time) bool {
	if s.AccessToken == "" {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// NoticeLevel is the category of a user-facing notification.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-facing status message.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

// MutationRecord is the persisted outcome of one mutation.
type MutationRecord struct {
	ID        int64          `json:"id"`
	Target    MutationTarget `json:"target"`
	Phase     Phase          `json:"phase"`
	Before    LikeState      `json:"before"`
	After     LikeState      `json:"after"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
