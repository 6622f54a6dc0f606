package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagged/pkg/auth"
	"github.com/daviddao/tagged/pkg/cache"
	"github.com/daviddao/tagged/pkg/model"
)

// codeLifetime covers how long Google accepts an authorization code.
const codeLifetime = 10 * time.Minute

// codeLedger refuses an authorization code that is being or has been
// exchanged. Only code hashes are held, and only for codeLifetime.
type codeLedger struct {
	mu   sync.Mutex
	used *cache.Cache[bool]
}

func newCodeLedger() *codeLedger {
	return &codeLedger{used: cache.New[bool](cache.Options{EvictAfter: codeLifetime})}
}

func codeKey(code string) model.CacheKey {
	sum := sha256.Sum256([]byte(code))
	return model.CacheKey{Category: "auth_code", ID: hex.EncodeToString(sum[:])}
}

// claim marks code used. It reports false if it already was.
func (l *codeLedger) claim(code string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := codeKey(code)
	if _, ok := l.used.Get(key); ok {
		return false
	}
	l.used.Set(key, true)
	return true
}

// release forgets code after a failed exchange so the client may retry it.
// Google itself refuses a code it already rejected.
func (l *codeLedger) release(code string) {
	l.used.Delete(codeKey(code))
}

type googleRequest struct {
	Code string `json:"code"`
}

type googleResponse struct {
	AccessToken string `json:"access_token"`
	UserDocID   string `json:"user_doc_id"`
	Email       string `json:"email"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// handleGoogle serves POST /api/auth/google.
func (s *server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req googleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}

	if req.Code != "" && !s.codes.claim(req.Code) {
		writeEnvelope(w, http.StatusConflict, "authorization code already used", nil)
		return
	}

	res, err := auth.SignIn(r.Context(), s.opts.Google, s.opts.Backend, req.Code)
	switch {
	case errors.Is(err, auth.ErrMissingCode):
		writeEnvelope(w, http.StatusBadRequest, "code is required", nil)
		return
	case errors.Is(err, auth.ErrExchange):
		s.log.Warn("google exchange failed", zap.Error(err))
		s.codes.release(req.Code)
		writeEnvelope(w, http.StatusBadGateway, "google token exchange failed", nil)
		return
	case err != nil:
		s.log.Warn("backend login failed", zap.Error(err))
		s.writeError(w, err)
		return
	}

	s.log.Info("signed in", zap.String("user_doc_id", res.UserDocID))
	writeEnvelope(w, http.StatusOK, "login success", googleResponse{
		AccessToken: res.AccessToken,
		UserDocID:   res.UserDocID,
		Email:       res.Email,
		ExpiresIn:   res.ExpiresIn,
	})
}
