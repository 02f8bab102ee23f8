// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey struct{}

// userIDKey is the context key for the authenticated user's ID (email).
// The associated value is always a string.
var userIDKey contextKey

// ErrForbidden is returned when the caller lacks the access level an
// operation needs.
var ErrForbidden = errors.New("forbidden")

// getUserID returns the UserID from the request context, if present.
func getUserID(r *http.Request) string {
	if val := r.Context().Value(userIDKey); val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func withUserID(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, userIDKey, normalizeEmail(email))
}

// normalizeEmail ensures consistent casing and whitespace for User IDs.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// maskEmail obscures an email address for safe logging.
// e.g. "user@example.com" -> "u***@example.com"
func maskEmail(email string) string {
	if email == "" {
		return "<empty>"
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || len(parts[0]) < 1 {
		return "****"
	}
	return string(parts[0][0]) + "***@" + parts[1]
}

type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
)

func (l AccessLevel) String() string {
	switch l {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	}
	return "none"
}

// GetMatchAccess calculates the effective access level for a user on a
// match. Users without an explicit grant fall back to the public setting.
func GetMatchAccess(userId string, m Match) AccessLevel {
	userId = normalizeEmail(userId)
	if userId != "" && normalizeEmail(m.OwnerID) == userId {
		return AccessAdmin
	}
	if userId != "" {
		for u, role := range m.Permissions.Users {
			if normalizeEmail(u) != userId {
				continue
			}
			switch role {
			case "write":
				return AccessWrite
			case "read":
				return AccessRead
			}
		}
	}
	if m.Permissions.Public == "read" {
		return AccessRead
	}
	return AccessNone
}

// GetTeamAccess calculates the effective access level for a user on a
// catalog team. Everyone may read the catalog; the owner may edit their
// team. Built-in teams have no owner and are edited by service admins.
func GetTeamAccess(userId string, t Team, isAdmin bool) AccessLevel {
	if isAdmin {
		return AccessAdmin
	}
	userId = normalizeEmail(userId)
	if userId != "" && t.OwnerID != "" && normalizeEmail(t.OwnerID) == userId {
		return AccessAdmin
	}
	return AccessRead
}
