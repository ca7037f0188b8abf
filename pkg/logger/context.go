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

package logger

import (
	"context"
	"log/slog"
)

// Attribute keys injected from the request context.
const (
	CorrelationIDKey = "correlation_id"
	UserKey          = "user"
)

type contextKey int

const (
	correlationIDContextKey contextKey = iota
	usernameContextKey
)

// WithCorrelationID returns a context carrying the request correlation id.
// Every log record emitted with this context includes the id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey, id)
}

// CorrelationID returns the correlation id stored in the context, or ""
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDContextKey).(string)
	return id
}

// WithUsername returns a context carrying the authenticated username.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameContextKey, username)
}

// Username returns the username stored in the context, or ""
func Username(ctx context.Context) string {
	username, _ := ctx.Value(usernameContextKey).(string)
	return username
}

// contextHandler copies request-scoped fields from the context onto each
// record so handlers below it render them like ordinary attributes.
type contextHandler struct {
	handler slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	id := CorrelationID(ctx)
	username := Username(ctx)
	if id == "" && username == "" {
		return h.handler.Handle(ctx, record)
	}

	record = record.Clone()
	if id != "" {
		record.AddAttrs(slog.String(CorrelationIDKey, id))
	}
	if username != "" {
		record.AddAttrs(slog.String(UserKey, username))
	}
	return h.handler.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{handler: h.handler.WithGroup(name)}
}
