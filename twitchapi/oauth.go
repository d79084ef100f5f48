package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// RefreshResult is the outcome of a refresh_token grant.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	Expiry       time.Time
}

// Refresher exchanges bot refresh tokens at the Twitch token endpoint.
type Refresher struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL string
}

// Refresh exchanges refreshToken for a new access token. Twitch rotates refresh
// tokens; when the response omits one the old token is returned unchanged.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if r.ClientID == "" || r.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	endpoint := twitch.Endpoint
	if r.TokenURL != "" {
		endpoint.TokenURL = r.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	cfg := &oauth2.Config{ClientID: r.ClientID, ClientSecret: r.ClientSecret, Endpoint: endpoint}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	// An expired seed token forces the source to hit the endpoint.
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}).Token()
	if err != nil {
		return nil, err
	}
	res := &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       ComputeExpiry(tok.Expiry),
	}
	if res.RefreshToken == "" {
		res.RefreshToken = refreshToken
	}
	res.Scope = scopeString(tok.Extra("scope"))
	return res, nil
}

// ComputeExpiry returns exp, defaulting to now+60m when unknown.
func ComputeExpiry(exp time.Time) time.Time {
	if exp.IsZero() {
		return time.Now().Add(60 * time.Minute)
	}
	return exp
}

func scopeString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if str, ok := p.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
