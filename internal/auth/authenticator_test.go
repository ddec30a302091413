// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth_test

import (
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	gc "gopkg.in/check.v1"

	"github.com/juju/keyfeed/internal/auth"
)

var secret = []byte("not-so-secret")

type authenticatorSuite struct {
	testing.IsolationSuite

	clock *testclock.Clock
	authn *auth.Authenticator
}

var _ = gc.Suite(&authenticatorSuite{})

func (s *authenticatorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	authn, err := auth.NewAuthenticator(secret, s.clock)
	c.Assert(err, jc.ErrorIsNil)
	s.authn = authn
}

func (s *authenticatorSuite) token(c *gc.C, subject string, key []byte, expires time.Time) string {
	builder := jwt.NewBuilder().IssuedAt(s.clock.Now()).Expiration(expires)
	if subject != "" {
		builder = builder.Subject(subject)
	}
	tok, err := builder.Build()
	c.Assert(err, jc.ErrorIsNil)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, key))
	c.Assert(err, jc.ErrorIsNil)
	return string(signed)
}

func (s *authenticatorSuite) TestNewAuthenticatorValidation(c *gc.C) {
	_, err := auth.NewAuthenticator(nil, s.clock)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	_, err = auth.NewAuthenticator(secret, nil)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *authenticatorSuite) TestHeaderToken(c *gc.C) {
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(c, "alice", secret, s.clock.Now().Add(time.Hour)))

	id, err := s.authn.Authenticate(req)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(id, jc.DeepEquals, auth.Identity{Subject: "alice"})
}

func (s *authenticatorSuite) TestQueryToken(c *gc.C) {
	tok := s.token(c, "bob", secret, s.clock.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/feed?token="+tok, nil)

	id, err := s.authn.Authenticate(req)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(id.Subject, gc.Equals, "bob")
}

func (s *authenticatorSuite) TestNoToken(c *gc.C) {
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	_, err := s.authn.Authenticate(req)
	c.Check(err, gc.Equals, auth.ErrNoToken)

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = s.authn.Authenticate(req)
	c.Check(err, gc.Equals, auth.ErrNoToken)
}

func (s *authenticatorSuite) TestWrongKey(c *gc.C) {
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(c, "alice", []byte("other"), s.clock.Now().Add(time.Hour)))

	_, err := s.authn.Authenticate(req)
	c.Check(err, jc.Satisfies, errors.IsUnauthorized)
}

func (s *authenticatorSuite) TestExpired(c *gc.C) {
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(c, "alice", secret, s.clock.Now().Add(time.Minute)))

	s.clock.Advance(time.Hour)
	_, err := s.authn.Authenticate(req)
	c.Check(err, jc.Satisfies, errors.IsUnauthorized)
	c.Check(err, gc.ErrorMatches, "invalid token: .*")
}

func (s *authenticatorSuite) TestMissingSubject(c *gc.C) {
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(c, "", secret, s.clock.Now().Add(time.Hour)))

	_, err := s.authn.Authenticate(req)
	c.Check(err, gc.ErrorMatches, "token has no subject")
}

func (s *authenticatorSuite) TestGarbage(c *gc.C) {
	req := httptest.NewRequest(http.MethodGet, "/feed?token=not.a.jwt", nil)
	_, err := s.authn.Authenticate(req)
	c.Check(err, jc.Satisfies, errors.IsUnauthorized)
}
