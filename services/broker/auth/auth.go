// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth decides which broker requests need sign-in and validates
// the credentials presented for them.
//
// # Description
//
// The Authenticator owns policy only: a small allow-list of informational
// paths is exempt so health checks work before sign-in, and every other
// path requires a credential accepted by the configured IdentityProvider.
// A rejection is final for that request; retrying is the client's concern.
//
// # Providers
//
//   - NopProvider: local single-user mode, everyone is "local-user".
//   - TokenProvider: users and secrets from a YAML file, reloaded on change.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"
)

// ErrRejected is matched by every credential rejection.
var ErrRejected = errors.New("credential rejected")

// DefaultExemptPaths are reachable without signing in.
var DefaultExemptPaths = []string{"/health", "/about", "/info"}

// RoleAdmin grants access to every user's sessions.
const RoleAdmin = "admin"

// =============================================================================
// Types
// =============================================================================

// Principal is an authenticated identity.
type Principal struct {
	// Name identifies the user.
	Name string `json:"name"`

	// Roles lists granted roles, e.g. RoleAdmin.
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// Owns reports whether the principal may use a resource owned by owner.
// Admins may use any resource.
func (p *Principal) Owns(owner string) bool {
	if p == nil {
		return false
	}
	return p.Name == owner || p.HasRole(RoleAdmin)
}

// Credential is what a client presents. A credential without a Username
// is a bearer token.
type Credential struct {
	Username string
	Secret   string
}

// Empty reports whether no credential was presented.
func (c Credential) Empty() bool {
	return c.Username == "" && c.Secret == ""
}

// Apply sets the Authorization header for c on h. An empty credential
// leaves h untouched.
func (c Credential) Apply(h http.Header) {
	switch {
	case c.Empty():
	case c.Username == "":
		h.Set("Authorization", "Bearer "+c.Secret)
	default:
		req := http.Request{Header: h}
		req.SetBasicAuth(c.Username, c.Secret)
	}
}

// IdentityProvider validates credentials against an identity source.
//
// Implementations return an error for any credential they do not accept.
// They must be safe for concurrent use.
type IdentityProvider interface {
	Validate(ctx context.Context, cred Credential) (*Principal, error)
}

// RejectedError describes why a credential was not accepted.
type RejectedError struct {
	Reason string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("credential rejected: %s", e.Reason)
}

// Unwrap makes errors.Is(err, ErrRejected) hold.
func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// =============================================================================
// Authenticator
// =============================================================================

// Authenticator applies sign-in policy.
//
// # Thread Safety
//
// Safe for concurrent use; the exempt set is fixed at construction.
type Authenticator struct {
	provider IdentityProvider
	exempt   map[string]bool
}

// NewAuthenticator creates an authenticator. With no exempt paths it uses
// DefaultExemptPaths.
func NewAuthenticator(provider IdentityProvider, exempt ...string) *Authenticator {
	if provider == nil {
		provider = NopProvider{}
	}
	if len(exempt) == 0 {
		exempt = DefaultExemptPaths
	}
	set := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		set[cleanPath(p)] = true
	}
	return &Authenticator{provider: provider, exempt: set}
}

// IsSignInRequired reports whether requestPath needs a validated credential.
//
// # Description
//
// The path is cleaned first, so "/health/" and "/x/../health" match
// "/health". Only exact matches are exempt.
func (a *Authenticator) IsSignInRequired(requestPath string) bool {
	return !a.exempt[cleanPath(requestPath)]
}

// Validate checks cred with the identity provider.
//
// # Outputs
//
//   - *Principal: The accepted identity
//   - error: *RejectedError for any failure; never retried
func (a *Authenticator) Validate(ctx context.Context, cred Credential) (*Principal, error) {
	p, err := a.provider.Validate(ctx, cred)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return nil, rejected
		}
		return nil, &RejectedError{Reason: err.Error()}
	}
	if p == nil {
		return nil, &RejectedError{Reason: "provider returned no identity"}
	}
	return p, nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// =============================================================================
// NopProvider
// =============================================================================

// NopProvider accepts every credential as the local administrator. It is
// the local single-user mode.
type NopProvider struct{}

// Validate implements IdentityProvider.
func (NopProvider) Validate(context.Context, Credential) (*Principal, error) {
	return &Principal{Name: "local-user", Roles: []string{RoleAdmin}}, nil
}
