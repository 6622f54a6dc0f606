// Package auth signs a user in with Google: it exchanges an OAuth
// authorization code for a Google id token, then trades that token for a
// backend session.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/daviddao/tagged/pkg/backend"
)

var (
	// ErrMissingCode is returned when no authorization code was supplied.
	ErrMissingCode = errors.New("authorization code is required")
	// ErrExchange wraps every failure talking to Google's token endpoint.
	ErrExchange = errors.New("google token exchange failed")
)

// Token is the token endpoint response.
type Token struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// Exchanger trades an authorization code for tokens.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (*Token, error)
}

// Google exchanges codes against Google's OAuth token endpoint.
type Google struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	TokenURL     string
	HTTP         *http.Client
}

const exchangeTimeout = 10 * time.Second

// Exchange posts the code with grant_type=authorization_code.
func (g *Google) Exchange(ctx context.Context, code string) (*Token, error) {
	if code == "" {
		return nil, ErrMissingCode
	}
	data := url.Values{}
	data.Set("client_id", g.ClientID)
	data.Set("client_secret", g.ClientSecret)
	data.Set("code", code)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", g.RedirectURI)

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := g.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrExchange, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w (%d): %s", ErrExchange, resp.StatusCode, oauthError(body))
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrExchange, err)
	}
	if tok.IDToken == "" {
		return nil, fmt.Errorf("%w: response has no id_token", ErrExchange)
	}
	return &tok, nil
}

func oauthError(body []byte) string {
	var e struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Description != "" {
			return e.Error + ": " + e.Description
		}
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// Backend is the part of the API client sign-in needs.
type Backend interface {
	Login(ctx context.Context, req backend.LoginRequest) (*backend.LoginResult, error)
}

// Result is a completed sign-in.
type Result struct {
	backend.LoginResult
	IDToken string `json:"-"`
}

// SignIn exchanges code with Google and logs in to the backend with the
// resulting id token.
func SignIn(ctx context.Context, ex Exchanger, be Backend, code string) (*Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrMissingCode
	}
	tok, err := ex.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	res, err := be.Login(ctx, backend.LoginRequest{Token: tok.IDToken, Provider: "google"})
	if err != nil {
		return nil, fmt.Errorf("backend login: %w", err)
	}
	return &Result{LoginResult: *res, IDToken: tok.IDToken}, nil
}
