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
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// principalKey is the gin context key for the authenticated principal.
const principalKey = "broker_principal"

// CredentialFromRequest extracts a credential from the Authorization
// header. Bearer and Basic schemes are understood.
func CredentialFromRequest(r *http.Request) (Credential, bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		return Credential{Username: user, Secret: pass}, true
	}
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return Credential{}, false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, false
	}
	return Credential{Secret: token}, true
}

// Middleware enforces sign-in for every path that requires it.
//
// # Description
//
// Exempt paths pass through untouched. For other paths the credential is
// validated and the resulting Principal stored on the gin context; a
// rejection aborts with 401 and a generic body.
//
// # Inputs
//
//   - a: The authenticator holding policy and provider
//
// # Outputs
//
//   - gin.HandlerFunc: The middleware
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.IsSignInRequired(c.Request.URL.Path) {
			c.Next()
			return
		}

		cred, _ := CredentialFromRequest(c.Request)
		principal, err := a.Validate(c.Request.Context(), cred)
		if err != nil {
			slog.Warn("Request rejected",
				"path", c.Request.URL.Path,
				"remote", c.ClientIP(),
				"credential_present", !cred.Empty(),
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Middleware, or nil for
// exempt paths.
func PrincipalFrom(c *gin.Context) *Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}
