// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth reads user identity from reverse-proxy headers in the
// Authelia and OAuth2 Proxy convention. Identity headers are honored
// only when the request reaches us from an allowlisted proxy address;
// anything else is treated as anonymous.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Identity header names in the Authelia / OAuth2 Proxy convention.
const (
	RemoteUserHeader   = "Remote-User"
	RemoteGroupsHeader = "Remote-Groups"
	RemoteEmailHeader  = "Remote-Email"
	RemoteNameHeader   = "Remote-Name"
)

// User is the identity asserted by the reverse proxy.
type User struct {
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
}

// Authenticator validates the request peer against the trusted proxy
// allowlist and extracts the asserted identity.
type Authenticator struct {
	enabled bool
	trusted []netip.Prefix
}

// New builds an authenticator. Entries in trustedProxyIPs may be plain
// addresses or CIDR ranges; invalid entries are logged and skipped.
func New(enabled bool, trustedProxyIPs []string) *Authenticator {
	a := &Authenticator{enabled: enabled}
	for _, entry := range trustedProxyIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				slog.Warn("Invalid trusted proxy CIDR", "entry", entry, "error", err)
				continue
			}
			a.trusted = append(a.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			slog.Warn("Invalid trusted proxy address", "entry", entry, "error", err)
			continue
		}
		a.trusted = append(a.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return a
}

// Enabled reports whether identity headers are processed at all.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

func (a *Authenticator) isTrusted(clientIP string) bool {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		slog.Warn("Invalid client address", "address", clientIP)
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range a.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the originating client address: the leftmost
// X-Forwarded-For entry when present, the socket peer otherwise.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UserFromRequest extracts the identity asserted by the proxy. Returns
// nil when authentication is disabled, the peer is not allowlisted, or
// no username header is present.
func (a *Authenticator) UserFromRequest(r *http.Request) *User {
	if !a.enabled {
		return nil
	}
	clientIP := ClientIP(r)
	if !a.isTrusted(clientIP) {
		slog.Warn("Ignoring identity headers from untrusted peer", "address", clientIP)
		return nil
	}
	username := r.Header.Get(RemoteUserHeader)
	if username == "" {
		return nil
	}
	var groups []string
	for _, g := range strings.Split(r.Header.Get(RemoteGroupsHeader), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return &User{
		Username:    username,
		Email:       r.Header.Get(RemoteEmailHeader),
		Groups:      groups,
		DisplayName: r.Header.Get(RemoteNameHeader),
	}
}

type contextKey struct{}

// WithUser stores the authenticated user in the context.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFrom returns the authenticated user, or nil for anonymous
// requests.
func UserFrom(ctx context.Context) *User {
	user, _ := ctx.Value(contextKey{}).(*User)
	return user
}

// UserID returns the storage scope for the request user: the username
// when authenticated, "" for the shared default scope.
func UserID(ctx context.Context) string {
	if user := UserFrom(ctx); user != nil {
		return user.Username
	}
	return ""
}

// Middleware resolves the request identity once and stores it in the
// request context for handlers to pick up.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := a.UserFromRequest(r); user != nil {
			r = r.WithContext(WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects anonymous requests with 401. Routes stay open by
// default; this guards any that must not be.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFrom(r.Context()) == nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
