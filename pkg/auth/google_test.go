package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/tagged/pkg/backend"
	"github.com/daviddao/tagged/pkg/dispatch"
)

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "http://localhost:3000/cb", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("code") {
		case "good":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "ga", IDToken: "gid", ExpiresIn: 3599})
		case "no-id":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "ga"})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Bad Request"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGoogle(url string) *Google {
	return &Google{ClientID: "cid", ClientSecret: "secret", RedirectURI: "http://localhost:3000/cb", TokenURL: url}
}

func TestExchange(t *testing.T) {
	g := newGoogle(tokenServer(t).URL)

	tok, err := g.Exchange(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "gid", tok.IDToken)
	assert.Equal(t, 3599, tok.ExpiresIn)
}

func TestExchangeFailures(t *testing.T) {
	g := newGoogle(tokenServer(t).URL)

	_, err := g.Exchange(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrExchange)
	assert.ErrorContains(t, err, "invalid_grant: Bad Request")

	_, err = g.Exchange(context.Background(), "no-id")
	assert.ErrorIs(t, err, ErrExchange)

	_, err = g.Exchange(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCode)

	down := newGoogle("http://127.0.0.1:1/token")
	_, err = down.Exchange(context.Background(), "good")
	assert.ErrorIs(t, err, ErrExchange)
}

type fakeBackend struct {
	got backend.LoginRequest
	err error
}

func (f *fakeBackend) Login(_ context.Context, req backend.LoginRequest) (*backend.LoginResult, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &backend.LoginResult{AccessToken: "tok", UserDocID: "u1", Email: "a@b.c", ExpiresIn: 3600}, nil
}

func TestSignIn(t *testing.T) {
	g := newGoogle(tokenServer(t).URL)
	be := &fakeBackend{}

	res, err := SignIn(context.Background(), g, be, " good ")
	require.NoError(t, err)
	assert.Equal(t, backend.LoginRequest{Token: "gid", Provider: "google"}, be.got)
	assert.Equal(t, "u1", res.UserDocID)
	assert.Equal(t, "gid", res.IDToken)
}

func TestSignInBackendError(t *testing.T) {
	g := newGoogle(tokenServer(t).URL)
	be := &fakeBackend{err: &dispatch.Error{Status: http.StatusUnauthorized, Message: "unknown user"}}

	_, err := SignIn(context.Background(), g, be, "good")
	assert.Equal(t, http.StatusUnauthorized, dispatch.StatusOf(err))
	assert.NotErrorIs(t, err, ErrExchange)
}

func TestSignInMissingCode(t *testing.T) {
	_, err := SignIn(context.Background(), newGoogle("http://unused"), &fakeBackend{}, "  ")
	assert.ErrorIs(t, err, ErrMissingCode)
}
