// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianBroker/services/broker/auth"
	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/supervisor"
	"github.com/AleutianAI/AleutianBroker/services/broker/transport"
)

var (
	// ErrAuthRejected means a remote broker refused the credential.
	ErrAuthRejected = errors.New("broker rejected credentials")

	// ErrSessionExists means the connector already holds a session by that name.
	ErrSessionExists = errors.New("session already exists")

	// ErrUnknownSession means no session by that name is held.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnsupportedScheme means the broker URI is neither local nor http(s)/ws(s).
	ErrUnsupportedScheme = errors.New("unsupported broker URI scheme")
)

// =============================================================================
// CONNECTION INFO
// =============================================================================

// BrokerConnectionInfo names a session and where its host lives.
type BrokerConnectionInfo struct {
	// Name is the session name.
	Name string

	// URI is nil or "local:" for a local host, otherwise the remote broker
	// base URL (http, https, ws or wss).
	URI *url.URL

	// Credential is presented to remote brokers.
	Credential *auth.Credential
}

// ParseConnectionInfo builds connection info from a URI string. An empty
// string means local.
func ParseConnectionInfo(name, uri string, cred *auth.Credential) (BrokerConnectionInfo, error) {
	info := BrokerConnectionInfo{Name: name, Credential: cred}
	if uri == "" {
		return info, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return info, fmt.Errorf("parse broker URI: %w", err)
	}
	info.URI = u
	if _, err := info.kind(); err != nil {
		return info, err
	}
	return info, nil
}

// IsLocal reports whether the host runs on this machine.
func (i BrokerConnectionInfo) IsLocal() bool {
	k, err := i.kind()
	return err == nil && k == "local"
}

func (i BrokerConnectionInfo) kind() (string, error) {
	if i.URI == nil {
		return "local", nil
	}
	switch strings.ToLower(i.URI.Scheme) {
	case "", "local":
		return "local", nil
	case "http", "https", "ws", "wss":
		return "remote", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, i.URI.Scheme)
	}
}

// baseURL returns the broker base URL with the requested scheme family.
func (i BrokerConnectionInfo) baseURL(websocket bool) *url.URL {
	u := *i.URI
	secure := u.Scheme == "https" || u.Scheme == "wss"
	switch {
	case websocket && secure:
		u.Scheme = "wss"
	case websocket:
		u.Scheme = "ws"
	case secure:
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

// ConnectOptions tunes one connection.
type ConnectOptions struct {
	// Interpreter pins the installation. Nil selects the newest compatible
	// one (locally from the registry, remotely by the broker).
	Interpreter *interpreter.InterpreterInfo

	// WorkingDir is the local worker's working directory.
	WorkingDir string

	// Args are extra worker arguments.
	Args []string

	// Env holds extra KEY=VALUE entries for a local worker.
	Env []string

	// Endpoint selects TCP or stdio for a local worker.
	Endpoint supervisor.EndpointKind

	// StartupTimeout overrides the supervisor default when positive.
	StartupTimeout time.Duration
}

// =============================================================================
// CONNECTOR
// =============================================================================

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	// HostPath is the local worker executable.
	HostPath string

	// VersionRange bounds interpreter selection.
	VersionRange interpreter.SupportedVersionRange

	// Supervisor configures local worker supervision.
	Supervisor supervisor.Config

	// Transport configures framing limits.
	Transport transport.Config

	// HTTPClient is used for remote broker calls.
	HTTPClient *http.Client
}

// DefaultConnectorConfig returns the standard connector configuration.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		HostPath:     "hostworker",
		VersionRange: interpreter.DefaultSupportedRange,
		Supervisor:   supervisor.DefaultConfig(),
		Transport:    transport.DefaultConfig(),
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

type held struct {
	session *Session
	sup     *supervisor.Supervisor
	info    BrokerConnectionInfo
}

// Connector creates sessions to local or remote hosts and owns their
// lifetimes.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Connector struct {
	cfg      ConnectorConfig
	registry *interpreter.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*held
}

// NewConnector creates a connector. Zero config fields take defaults.
func NewConnector(cfg ConnectorConfig, registry *interpreter.Registry) *Connector {
	d := DefaultConnectorConfig()
	if cfg.HostPath == "" {
		cfg.HostPath = d.HostPath
	}
	if cfg.VersionRange == (interpreter.SupportedVersionRange{}) {
		cfg.VersionRange = d.VersionRange
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = d.HTTPClient
	}
	if registry == nil {
		registry = interpreter.NewRegistry()
	}
	return &Connector{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default().With(slog.String("component", "connector")),
		sessions: make(map[string]*held),
	}
}

// Connect creates a session.
//
// Description:
//
//	Local: selects an interpreter, starts a worker through a Supervisor
//	and attaches a transport to its endpoint. The worker is stopped when
//	the session ends. Remote: creates the session on the broker with PUT
//	and attaches to its WebSocket pipe, presenting the credential.
//
// Inputs:
//
//	ctx - Bounds discovery, startup and dialing
//	info - Session name and location
//	opts - Launch options
//
// Outputs:
//
//	*Session - The open session
//	error - Non-nil on failure
//
// Errors:
//
//	ErrSessionExists - A session by that name is already held
//	interpreter.ErrNoCompatibleInterpreter - Nothing to launch
//	supervisor.ErrPortInUse, ErrStartupTimeout, ErrStartupFailed
//	ErrAuthRejected - The remote broker refused the credential
func (c *Connector) Connect(ctx context.Context, info BrokerConnectionInfo, opts ConnectOptions) (*Session, error) {
	if info.Name == "" {
		return nil, fmt.Errorf("session name must not be empty")
	}
	kind, err := info.kind()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.sessions[info.Name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, info.Name)
	}
	// Reserve the name while connecting.
	c.sessions[info.Name] = &held{info: info}
	c.mu.Unlock()

	var h *held
	if kind == "local" {
		h, err = c.connectLocal(ctx, info, opts)
	} else {
		h, err = c.connectRemote(ctx, info, opts)
	}

	c.mu.Lock()
	if err != nil {
		delete(c.sessions, info.Name)
		c.mu.Unlock()
		return nil, err
	}
	c.sessions[info.Name] = h
	c.mu.Unlock()

	go c.reap(h)
	c.logger.Info("session connected", slog.String("session", info.Name), slog.String("kind", kind))
	return h.session, nil
}

func (c *Connector) connectLocal(ctx context.Context, info BrokerConnectionInfo, opts ConnectOptions) (*held, error) {
	var interp interpreter.InterpreterInfo
	if opts.Interpreter != nil {
		interp = *opts.Interpreter
	} else {
		found, err := c.registry.Find(ctx, c.cfg.VersionRange)
		if err != nil {
			return nil, err
		}
		interp = found
	}

	sup := supervisor.New(c.cfg.Supervisor)
	proc, err := sup.Start(ctx, supervisor.StartOptions{
		HostPath:    c.cfg.HostPath,
		Interpreter: interp,
		Args:        opts.Args,
		WorkingDir:  opts.WorkingDir,
		Timeout:     opts.StartupTimeout,
		Endpoint:    opts.Endpoint,
		SessionName: info.Name,
		Env:         opts.Env,
	})
	if err != nil {
		return nil, err
	}

	var tr *transport.Conn
	if opts.Endpoint == supervisor.EndpointStdio {
		tr = transport.NewStream(proc.Stream(), c.cfg.Transport)
	} else {
		tr, err = transport.DialTCP(ctx, proc.Endpoint, c.cfg.Transport)
		if err != nil {
			_ = sup.Stop(context.Background())
			return nil, fmt.Errorf("attach to worker: %w", err)
		}
	}

	return &held{
		session: New(info.Name, tr, WithProcess(sup)),
		sup:     sup,
		info:    info,
	}, nil
}

func (c *Connector) connectRemote(ctx context.Context, info BrokerConnectionInfo, opts ConnectOptions) (*held, error) {
	body := protocol.CreateSessionRequest{Args: opts.Args}
	if opts.Interpreter != nil {
		body.Interpreter = opts.Interpreter.ID()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, info, http.MethodPut, payload)
	if err != nil {
		return nil, fmt.Errorf("create remote session: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("create remote session: %w", err)
	}
	// 200 means the session already existed and is not ours to remove.
	created := resp.StatusCode == http.StatusCreated

	pipe := info.baseURL(true)
	pipe.Path += protocol.PipePath(url.PathEscape(info.Name))
	header := http.Header{}
	if info.Credential != nil {
		info.Credential.Apply(header)
	}

	tr, wsResp, err := transport.DialWebSocket(ctx, pipe.String(), header, c.cfg.Transport)
	if err != nil {
		if created {
			c.abandonRemote(ctx, info)
		}
		if wsResp != nil {
			if statusErr := checkStatus(wsResp); statusErr != nil {
				return nil, fmt.Errorf("attach to remote session: %w", statusErr)
			}
		}
		return nil, fmt.Errorf("attach to remote session: %w", err)
	}
	return &held{session: New(info.Name, tr), info: info}, nil
}

// abandonRemote deletes a remote session this connector created but could
// not attach to. Failures are logged only.
func (c *Connector) abandonRemote(ctx context.Context, info BrokerConnectionInfo) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	resp, err := c.call(ctx, info, http.MethodDelete, nil)
	if err == nil && resp.StatusCode != http.StatusNotFound {
		err = checkStatus(resp)
	}
	if err != nil {
		c.logger.Warn("could not remove unattached remote session",
			slog.String("session", info.Name),
			slog.String("error", err.Error()))
	}
}

// call issues a request against the session resource and returns the
// response with its body already drained into memory.
func (c *Connector) call(ctx context.Context, info BrokerConnectionInfo, method string, payload []byte) (*http.Response, error) {
	u := info.baseURL(false)
	u.Path += protocol.SessionPath(url.PathEscape(info.Name))

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if info.Credential != nil {
		info.Credential.Apply(req.Header)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	if resp.Body != nil {
		_ = json.NewDecoder(resp.Body).Decode(&body)
	}
	if body.Error != "" {
		return fmt.Errorf("broker returned %s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("broker returned %s", resp.Status)
}

// reap forgets a session once it ends and stops its local worker.
func (c *Connector) reap(h *held) {
	<-h.session.Done()

	c.mu.Lock()
	if c.sessions[h.info.Name] == h {
		delete(c.sessions, h.info.Name)
	}
	c.mu.Unlock()

	if h.sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*c.supervisorGrace())
		_ = h.sup.Stop(ctx)
		cancel()
	}
	c.logger.Info("session ended",
		slog.String("session", h.info.Name),
		slog.String("state", h.session.State().String()))
}

func (c *Connector) supervisorGrace() time.Duration {
	if c.cfg.Supervisor.StopGrace > 0 {
		return c.cfg.Supervisor.StopGrace
	}
	return supervisor.DefaultConfig().StopGrace
}

// Sessions returns the names of held sessions, sorted.
func (c *Connector) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.sessions))
	for name, h := range c.sessions {
		if h.session != nil {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Session returns the held session by name.
func (c *Connector) Session(name string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.sessions[name]
	if !ok || h.session == nil {
		return nil, false
	}
	return h.session, true
}

// Disconnect closes the named session. A local worker is stopped; a
// remote session is deleted on the broker.
func (c *Connector) Disconnect(ctx context.Context, name string) error {
	c.mu.Lock()
	h, ok := c.sessions[name]
	if ok && h.session != nil {
		delete(c.sessions, name)
	}
	c.mu.Unlock()
	if !ok || h.session == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return c.release(ctx, h)
}

func (c *Connector) release(ctx context.Context, h *held) error {
	err := h.session.Close()
	if h.sup != nil {
		err = errors.Join(err, h.sup.Stop(ctx))
	}
	if h.info.URI != nil && !h.info.IsLocal() {
		resp, callErr := c.call(ctx, h.info, http.MethodDelete, nil)
		if callErr == nil && resp.StatusCode != http.StatusNotFound {
			callErr = checkStatus(resp)
		}
		if callErr != nil {
			err = errors.Join(err, fmt.Errorf("delete remote session %s: %w", h.info.Name, callErr))
		}
	}
	return err
}

// Close disconnects every held session.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	all := make([]*held, 0, len(c.sessions))
	for name, h := range c.sessions {
		if h.session != nil {
			all = append(all, h)
			delete(c.sessions, name)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, h := range all {
		errs = append(errs, c.release(ctx, h))
	}
	return errors.Join(errs...)
}
