// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthenticator_IsSignInRequired(t *testing.T) {
	a := NewAuthenticator(NopProvider{})

	tests := []struct {
		path     string
		required bool
	}{
		{"/health", false},
		{"/health/", false},
		{"/about", false},
		{"/info", false},
		{"/sessions/../info", false},
		{"health", false},
		{"/", true},
		{"", true},
		{"/sessions", true},
		{"/sessions/a/pipe", true},
		{"/healthz", true},
		{"/health/extra", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.required, a.IsSignInRequired(tt.path))
		})
	}
}

func TestAuthenticator_CustomExemptPaths(t *testing.T) {
	a := NewAuthenticator(NopProvider{}, "/status")
	assert.False(t, a.IsSignInRequired("/status"))
	assert.True(t, a.IsSignInRequired("/health"))
}

func TestNopProvider_AcceptsAnything(t *testing.T) {
	a := NewAuthenticator(nil)
	p, err := a.Validate(context.Background(), Credential{})
	require.NoError(t, err)
	assert.Equal(t, "local-user", p.Name)
	assert.True(t, p.HasRole("admin"))
}

func TestTokenProvider_Validate(t *testing.T) {
	provider, err := NewStaticTokenProvider([]UserEntry{
		{Name: "alice", Secret: "alpha", Roles: []string{"admin"}},
		{Name: "bob", Secret: "bravo"},
	})
	require.NoError(t, err)
	a := NewAuthenticator(provider)
	ctx := context.Background()

	p, err := a.Validate(ctx, Credential{Secret: "bravo"})
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Name)
	assert.False(t, p.HasRole("admin"))

	p, err = a.Validate(ctx, Credential{Username: "alice", Secret: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	assert.True(t, p.HasRole("admin"))

	rejected := []Credential{
		{},
		{Secret: "wrong"},
		{Username: "alice", Secret: "bravo"},
		{Username: "carol", Secret: "alpha"},
		{Secret: "alph"},
	}
	for _, cred := range rejected {
		_, err := a.Validate(ctx, cred)
		assert.ErrorIs(t, err, ErrRejected, "credential %+v", cred)
		var re *RejectedError
		assert.ErrorAs(t, err, &re)
	}
}

func TestTokenProvider_RejectsEmptyOrIncompleteUsers(t *testing.T) {
	_, err := NewStaticTokenProvider(nil)
	assert.ErrorIs(t, err, ErrNoUsers)

	_, err = NewStaticTokenProvider([]UserEntry{{Name: "x"}})
	assert.Error(t, err)
}

func TestTokenProvider_CancelledContextIsRejected(t *testing.T) {
	provider, err := NewStaticTokenProvider([]UserEntry{{Name: "a", Secret: "s"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewAuthenticator(provider).Validate(ctx, Credential{Secret: "s"})
	assert.ErrorIs(t, err, ErrRejected)
}

func writeTokens(path, body string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func TestTokenProvider_FileLoadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, writeTokens(path, "users:\n  - name: alice\n    secret: one\n"))

	provider, err := NewTokenProvider(path)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.Users())

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan error, 1)
	go func() { watchDone <- provider.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-watchDone)
	}()

	_, err = provider.Validate(context.Background(), Credential{Secret: "one"})
	require.NoError(t, err)

	// The watcher registers asynchronously; keep rewriting until the new
	// secret is accepted.
	require.Eventually(t, func() bool {
		if writeTokens(path, "users:\n  - name: alice\n    secret: two\n  - name: bob\n    secret: three\n") != nil {
			return false
		}
		_, err := provider.Validate(context.Background(), Credential{Secret: "three"})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	_, err = provider.Validate(context.Background(), Credential{Secret: "one"})
	assert.ErrorIs(t, err, ErrRejected)

	// A broken file keeps the last good users.
	require.NoError(t, writeTokens(path, "users: ["))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, provider.Users())
}

func TestNewTokenProvider_MissingFile(t *testing.T) {
	_, err := NewTokenProvider(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := CredentialFromRequest(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "Bearer  tok ")
	cred, ok := CredentialFromRequest(r)
	require.True(t, ok)
	assert.Equal(t, Credential{Secret: "tok"}, cred)

	r.Header.Set("Authorization", "Token tok")
	_, ok = CredentialFromRequest(r)
	assert.False(t, ok)

	r.Header.Del("Authorization")
	r.SetBasicAuth("u", "p")
	cred, ok = CredentialFromRequest(r)
	require.True(t, ok)
	assert.Equal(t, Credential{Username: "u", Secret: "p"}, cred)
}

func TestCredential_ApplyRoundTrips(t *testing.T) {
	for _, cred := range []Credential{{Secret: "t"}, {Username: "u", Secret: "p"}} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		cred.Apply(r.Header)
		got, ok := CredentialFromRequest(r)
		require.True(t, ok)
		assert.Equal(t, cred, got)
	}

	h := http.Header{}
	Credential{}.Apply(h)
	assert.Empty(t, h.Get("Authorization"))
}

func TestMiddleware(t *testing.T) {
	provider, err := NewStaticTokenProvider([]UserEntry{{Name: "alice", Secret: "s"}})
	require.NoError(t, err)

	router := gin.New()
	router.Use(Middleware(NewAuthenticator(provider)))
	router.GET("/health", func(c *gin.Context) {
		assert.Nil(t, PrincipalFrom(c))
		c.String(http.StatusOK, "ok")
	})
	router.GET("/sessions", func(c *gin.Context) {
		c.String(http.StatusOK, PrincipalFrom(c).Name)
	})

	do := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("/health", "").Code)

	w := do("/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do("/sessions", "bad").Code)

	w = do("/sessions", "s")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
}
