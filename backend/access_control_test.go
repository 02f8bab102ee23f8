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
	"errors"
	"testing"
)

func TestAccessControl(t *testing.T) {
	st := newTestStores(t)
	ac := NewAccessControl(st.r, "Admin@Example.com")

	// No policy: everyone signed in is allowed without limits.
	if ok, _ := ac.IsAllowed(testScorer); !ok {
		t.Error("Expected user to be allowed without a policy")
	}
	if ok, msg := ac.IsAllowed(""); ok || msg != "Authentication required" {
		t.Errorf("Expected anonymous user to be denied, got %v %q", ok, msg)
	}
	if !ac.IsAdmin(testAdmin) {
		t.Error("Expected bootstrap admin to be admin regardless of case")
	}
	if ac.IsAdmin(testScorer) {
		t.Error("Expected regular user not to be admin")
	}
	if err := ac.CheckMatchQuota(testScorer, 1000); err != nil {
		t.Errorf("Expected no quota without a policy, got %v", err)
	}

	policy := &UserAccessPolicy{
		DefaultPolicy:      "deny",
		DefaultMaxMatches:  2,
		DefaultDenyMessage: "Invite only",
		Admins:             []string{"Other.Admin@example.com"},
		Users: map[string]UserOverride{
			"Scorer@Example.com":  {Access: "allow", MaxMatches: 5},
			"blocked@example.com": {Access: "deny"},
			"capped@example.com":  {Access: "allow", MaxMatches: -1},
		},
	}
	if err := policy.normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	st.r.UpdateAccessPolicy(policy)

	tests := []struct {
		email   string
		allowed bool
		msg     string
		quota   int
	}{
		{testScorer, true, "", 5},
		{"blocked@example.com", false, "Invite only", 2},
		{"stranger@example.com", false, "Invite only", 2},
		{"other.admin@example.com", true, "", 0},
		{testAdmin, true, "", 0},
		{"capped@example.com", true, "", -1},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			allowed, msg := ac.IsAllowed(tt.email)
			if allowed != tt.allowed || msg != tt.msg {
				t.Errorf("IsAllowed(%s) = %v %q, want %v %q", tt.email, allowed, msg, tt.allowed, tt.msg)
			}
			if q := ac.MatchQuota(tt.email); q != tt.quota {
				t.Errorf("MatchQuota(%s) = %d, want %d", tt.email, q, tt.quota)
			}
		})
	}

	if err := ac.CheckMatchQuota(testScorer, 4); err != nil {
		t.Errorf("Expected quota to allow a fifth match, got %v", err)
	}
	if err := ac.CheckMatchQuota(testScorer, 5); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden at the limit, got %v", err)
	}
	if err := ac.CheckMatchQuota("capped@example.com", 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected a negative limit to forbid every match, got %v", err)
	}
	if err := ac.CheckMatchQuota(testAdmin, 1000); err != nil {
		t.Errorf("Expected admins to be unlimited, got %v", err)
	}
}

func TestUserAccessPolicy_Normalize(t *testing.T) {
	p := &UserAccessPolicy{
		Admins: []string{" Boss@Example.com ", ""},
		Users:  map[string]UserOverride{"MiXeD@example.com": {Access: "deny"}},
	}
	if err := p.normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if p.DefaultPolicy != "allow" {
		t.Errorf("Expected default policy allow, got %q", p.DefaultPolicy)
	}
	if len(p.Admins) != 1 || p.Admins[0] != "boss@example.com" {
		t.Errorf("Unexpected admins: %v", p.Admins)
	}
	if _, ok := p.Users["mixed@example.com"]; !ok {
		t.Errorf("Expected lowercased user key, got %v", p.Users)
	}

	for _, bad := range []*UserAccessPolicy{
		{DefaultPolicy: "maybe"},
		{Users: map[string]UserOverride{"a@example.com": {Access: "sometimes"}}},
	} {
		if err := bad.normalize(); !errors.Is(err, ErrInvalid) {
			t.Errorf("Expected ErrInvalid for %+v, got %v", bad, err)
		}
	}
}
