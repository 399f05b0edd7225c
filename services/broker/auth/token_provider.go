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
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrNoUsers is returned when a token file defines no users.
var ErrNoUsers = errors.New("token file defines no users")

// UserEntry is one user in a token file.
//
//	users:
//	  - name: alice
//	    secret: s3cret
//	    roles: [admin]
type UserEntry struct {
	Name   string   `yaml:"name"`
	Secret string   `yaml:"secret"`
	Roles  []string `yaml:"roles"`
}

type tokenFile struct {
	Users []UserEntry `yaml:"users"`
}

// sealedUser holds a user's secret encrypted in memory.
type sealedUser struct {
	name   string
	roles  []string
	secret *memguard.Enclave
}

// TokenProvider validates credentials against users loaded from a YAML
// file. Secrets stay sealed in memguard enclaves and are only opened for
// the duration of a comparison.
//
// A bearer credential matches any user's secret. A basic credential must
// name the user and carry that user's secret.
//
// Thread Safety:
//
//	Safe for concurrent use. Reload swaps the user set atomically.
type TokenProvider struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	users []sealedUser
}

// NewTokenProvider loads path and returns a provider for it.
//
// Inputs:
//
//	path - YAML token file
//
// Outputs:
//
//	*TokenProvider - The provider
//	error - Non-nil if the file cannot be read or defines no users
func NewTokenProvider(path string) (*TokenProvider, error) {
	p := &TokenProvider{path: path, logger: slog.Default().With("component", "auth")}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticTokenProvider builds a provider from in-memory entries.
func NewStaticTokenProvider(entries []UserEntry) (*TokenProvider, error) {
	users, err := seal(entries)
	if err != nil {
		return nil, err
	}
	return &TokenProvider{users: users, logger: slog.Default().With("component", "auth")}, nil
}

// Reload re-reads the token file. On error the previous users stay active.
func (p *TokenProvider) Reload() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	var f tokenFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse token file %s: %w", p.path, err)
	}
	users, err := seal(f.Users)
	if err != nil {
		return fmt.Errorf("token file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.users = users
	p.mu.Unlock()
	p.logger.Info("Token file loaded", "path", p.path, "users", len(users))
	return nil
}

// Users returns the number of loaded users.
func (p *TokenProvider) Users() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Validate implements IdentityProvider.
func (p *TokenProvider) Validate(ctx context.Context, cred Credential) (*Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cred.Secret == "" {
		return nil, &RejectedError{Reason: "no credential presented"}
	}

	p.mu.RLock()
	users := p.users
	p.mu.RUnlock()

	// Every candidate is compared so the time taken does not reveal which
	// user matched.
	var match *sealedUser
	for i := range users {
		u := &users[i]
		if cred.Username != "" && cred.Username != u.name {
			continue
		}
		ok, err := secretEquals(u.secret, cred.Secret)
		if err != nil {
			return nil, err
		}
		if ok && match == nil {
			match = u
		}
	}
	if match == nil {
		return nil, &RejectedError{Reason: "unknown credential"}
	}
	return &Principal{Name: match.name, Roles: append([]string(nil), match.roles...)}, nil
}

// Watch reloads the token file whenever it changes, until ctx is done.
//
// Description:
//
//	Watches the containing directory so editors that replace the file by
//	rename are picked up. Reload failures are logged and the previous
//	users stay active.
func (p *TokenProvider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", p.path, err)
	}
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("Token file reload failed, keeping previous users", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("Token file watcher error", "error", err)
		}
	}
}

func seal(entries []UserEntry) ([]sealedUser, error) {
	if len(entries) == 0 {
		return nil, ErrNoUsers
	}
	users := make([]sealedUser, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" || e.Secret == "" {
			return nil, fmt.Errorf("user %d: name and secret are required", i)
		}
		users = append(users, sealedUser{
			name:   e.Name,
			roles:  append([]string(nil), e.Roles...),
			secret: memguard.NewEnclave([]byte(e.Secret)),
		})
	}
	return users, nil
}

func secretEquals(sealed *memguard.Enclave, presented string) (bool, error) {
	buf, err := sealed.Open()
	if err != nil {
		return false, fmt.Errorf("open sealed secret: %w", err)
	}
	defer buf.Destroy()
	return subtle.ConstantTimeCompare(buf.Bytes(), []byte(presented)) == 1, nil
}
