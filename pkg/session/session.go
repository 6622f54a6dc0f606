// Package session holds the signed-in user's state and detects expiry.
//
// State lives in a Storage (the SQLite store, or MemoryStorage in tests)
// under the same keys the web client kept in sessionStorage. It is global,
// read before every authenticated request, and cleared wholesale when the
// token is found missing or expired. Subscribers are told about the expiry
// so the caller can prompt for a new login.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/daviddao/tagged/pkg/model"
)

// ErrSessionExpired is returned when an authenticated call finds no valid
// token. The session has already been cleared when it is returned.
var ErrSessionExpired = errors.New("session expired")

// Storage is the key/value backend for session and local scopes.
type Storage interface {
	GetItem(scope model.Scope, key string) (string, bool, error)
	SetItem(scope model.Scope, key, value string) error
	RemoveItem(scope model.Scope, key string) error
	Clear(scope model.Scope) error
}

// Expired describes one session-expired signal.
type Expired struct {
	UserDocID string
	Reason    string
	At        time.Time
}

// Manager reads and writes session state and broadcasts expiry.
type Manager struct {
	storage Storage
	now     func() time.Time

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Expired)
}

// NewManager returns a Manager over storage.
func NewManager(storage Storage) *Manager {
	return &Manager{
		storage: storage,
		now:     time.Now,
		subs:    make(map[int]func(Expired)),
	}
}

// Load reads the current session. Missing keys yield zero fields.
func (m *Manager) Load() (model.Session, error) {
	var s model.Session
	var err error
	if s.UserDocID, err = m.get(model.KeyUserDocID); err != nil {
		return s, err
	}
	if s.AccessToken, err = m.get(model.KeyAccessToken); err != nil {
		return s, err
	}
	if s.Email, err = m.get(model.KeyUserEmail); err != nil {
		return s, err
	}
	exp, err := m.get(model.KeyTokenExpiresAt)
	if err != nil {
		return s, err
	}
	if exp != "" {
		s.ExpiresAt, err = time.Parse(time.RFC3339Nano, exp)
		if err != nil {
			return s, fmt.Errorf("parse %s: %w", model.KeyTokenExpiresAt, err)
		}
	}
	return s, nil
}

// Save writes every field of s, replacing the previous session.
func (m *Manager) Save(s model.Session) error {
	if err := m.storage.Clear(model.ScopeSession); err != nil {
		return err
	}
	pairs := [][2]string{
		{model.KeyUserDocID, s.UserDocID},
		{model.KeyAccessToken, s.AccessToken},
		{model.KeyUserEmail, s.Email},
	}
	if !s.ExpiresAt.IsZero() {
		pairs = append(pairs, [2]string{model.KeyTokenExpiresAt, s.ExpiresAt.UTC().Format(time.RFC3339Nano)})
	}
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		if err := m.storage.SetItem(model.ScopeSession, p[0], p[1]); err != nil {
			return fmt.Errorf("save %s: %w", p[0], err)
		}
	}
	return nil
}

// Clear wipes the session scope and the cached id token. The hash of the
// last exchanged authorization code survives, so a used code stays refused
// after logout or expiry.
func (m *Manager) Clear() error {
	if err := m.storage.Clear(model.ScopeSession); err != nil {
		return err
	}
	return m.storage.RemoveItem(model.ScopeLocal, model.KeyGoogleIDToken)
}

// UserDocID returns the signed-in user's id, or "" when signed out.
func (m *Manager) UserDocID() string {
	id, _ := m.get(model.KeyUserDocID)
	return id
}

// LoggedIn reports whether a user id and a token are present. It does not
// check expiry; Preflight does.
func (m *Manager) LoggedIn() bool {
	s, err := m.Load()
	return err == nil && s.LoggedIn()
}

// Preflight returns the bearer token for an authenticated request. If the
// token is missing or expired the session is cleared, subscribers are
// notified, and ErrSessionExpired is returned.
func (m *Manager) Preflight() (string, error) {
	s, err := m.Load()
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	now := m.now()
	if !s.Expired(now) {
		return s.AccessToken, nil
	}

	reason := "token expired"
	if s.AccessToken == "" {
		reason = "token missing"
	}
	if err := m.Clear(); err != nil {
		return "", fmt.Errorf("clear expired session: %w", err)
	}
	m.broadcast(Expired{UserDocID: s.UserDocID, Reason: reason, At: now})
	return "", ErrSessionExpired
}

// Subscribe registers fn for session-expired signals. The returned func
// removes the subscription.
func (m *Manager) Subscribe(fn func(Expired)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) broadcast(e Expired) {
	m.mu.Lock()
	fns := make([]func(Expired), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// RememberAuthCode records that an OAuth authorization code was exchanged.
// Only a hash of the code is kept.
func (m *Manager) RememberAuthCode(code string) error {
	return m.storage.SetItem(model.ScopeLocal, model.KeyGoogleAuthCode, hashCode(code))
}

// AuthCodeUsed reports whether code is the last code exchanged. Google
// codes are single use, so replaying one is always a client bug.
func (m *Manager) AuthCodeUsed(code string) bool {
	v, ok, err := m.storage.GetItem(model.ScopeLocal, model.KeyGoogleAuthCode)
	return err == nil && ok && v == hashCode(code)
}

// SaveIDToken caches the Google id token in the local scope.
func (m *Manager) SaveIDToken(token string) error {
	if token == "" {
		return m.storage.RemoveItem(model.ScopeLocal, model.KeyGoogleIDToken)
	}
	return m.storage.SetItem(model.ScopeLocal, model.KeyGoogleIDToken, token)
}

func (m *Manager) get(key string) (string, error) {
	v, _, err := m.storage.GetItem(model.ScopeSession, key)
	return v, err
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
