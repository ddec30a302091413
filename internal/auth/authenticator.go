// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auth verifies who a viewer is and looks up which keys they may
// watch.
package auth

import (
	"net/http"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrNoToken is returned when a request carries no bearer token.
const ErrNoToken = errors.ConstError("no bearer token")

// TokenQueryParam is the query parameter a token may be passed in when
// the client cannot set headers, as browsers opening websockets cannot.
const TokenQueryParam = "token"

// Identity is a verified viewer.
type Identity struct {
	// Subject is the token's "sub" claim.
	Subject string
}

// Authenticator verifies HS256 signed JWT bearer tokens.
type Authenticator struct {
	key   []byte
	clock clock.Clock
}

// NewAuthenticator returns an Authenticator checking signatures with the
// shared secret.
func NewAuthenticator(secret []byte, clock clock.Clock) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.NotValidf("empty token secret")
	}
	if clock == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	return &Authenticator{
		key:   secret,
		clock: clock,
	}, nil
}

// Authenticate returns the identity of the request's bearer token. The
// token is read from the Authorization header, or failing that from the
// token query parameter. The signature, expiry and not-before claims are
// all checked, and a subject is required.
func (a *Authenticator) Authenticate(req *http.Request) (Identity, error) {
	raw := bearerToken(req)
	if raw == "" {
		return Identity{}, ErrNoToken
	}
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, a.key),
		jwt.WithValidate(true),
		jwt.WithClock(a.clock),
	)
	if err != nil {
		return Identity{}, errors.Unauthorizedf("invalid token: %v", err)
	}
	if token.Subject() == "" {
		return Identity{}, errors.Unauthorizedf("token has no subject")
	}
	return Identity{Subject: token.Subject()}, nil
}

func bearerToken(req *http.Request) string {
	if header := req.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return req.URL.Query().Get(TokenQueryParam)
}
