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
	"fmt"
	"strings"
)

// AccessControl manages user permissions and quotas.
type AccessControl struct {
	r *Registry
	// Bootstrap admin email (from flag)
	bootstrapAdmin string
}

// NewAccessControl creates a new AccessControl service.
func NewAccessControl(r *Registry, bootstrapAdmin string) *AccessControl {
	return &AccessControl{
		r:              r,
		bootstrapAdmin: normalizeEmail(bootstrapAdmin),
	}
}

// IsAllowed checks if a user is allowed to use the service.
// Returns allowed status and a denial message (if denied).
func (ac *AccessControl) IsAllowed(email string) (bool, string) {
	if email == "" {
		return false, "Authentication required"
	}
	email = normalizeEmail(email)
	if ac.IsAdmin(email) {
		return true, ""
	}

	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return true, ""
	}
	if override, ok := policy.Users[email]; ok {
		if override.Access == "deny" {
			return false, policy.DefaultDenyMessage
		}
		return true, ""
	}
	if policy.DefaultPolicy == "deny" {
		return false, policy.DefaultDenyMessage
	}
	return true, ""
}

// IsAdmin checks if a user has admin privileges.
func (ac *AccessControl) IsAdmin(email string) bool {
	if email == "" {
		return false
	}
	email = normalizeEmail(email)
	if ac.bootstrapAdmin != "" && email == ac.bootstrapAdmin {
		return true
	}
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return false
	}
	for _, admin := range policy.Admins {
		if strings.EqualFold(admin, email) {
			return true
		}
	}
	return false
}

// CheckMatchQuota verifies if a user can create another match.
func (ac *AccessControl) CheckMatchQuota(email string, currentCount int) error {
	limit := ac.MatchQuota(email)
	// A limit of 0 means unlimited. A negative limit means none.
	if limit != 0 && currentCount >= limit {
		return fmt.Errorf("%w: match limit reached (%d)", ErrForbidden, max(limit, 0))
	}
	return nil
}

// MatchQuota returns the effective match limit for a user. Zero means
// unlimited.
func (ac *AccessControl) MatchQuota(email string) int {
	if ac.IsAdmin(email) {
		return 0
	}
	policy := ac.r.GetAccessPolicy()
	if policy == nil {
		return 0
	}
	limit := policy.DefaultMaxMatches
	if override, ok := policy.Users[normalizeEmail(email)]; ok && override.MaxMatches != 0 {
		limit = override.MaxMatches
	}
	return limit
}
