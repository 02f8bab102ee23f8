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
	"encoding/json"
	"strings"
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdApplyAction        CommandType = "APPLY_ACTION"
	CmdSaveMatch          CommandType = "SAVE_MATCH"
	CmdDeleteMatch        CommandType = "DELETE_MATCH"
	CmdSaveTeam           CommandType = "SAVE_TEAM"
	CmdDeleteTeam         CommandType = "DELETE_TEAM"
	CmdNodeMeta           CommandType = "NODE_META"
	CmdUpdateAccessPolicy CommandType = "UPDATE_ACCESS_POLICY"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type       CommandType       `json:"type"`
	NodeMeta   *NodeMeta         `json:"nodeMeta,omitempty"`
	Action     *ActionPayload    `json:"action,omitempty"`
	MatchData  *json.RawMessage  `json:"matchData,omitempty"`
	TeamData   *json.RawMessage  `json:"teamData,omitempty"`
	PolicyData *UserAccessPolicy `json:"policyData,omitempty"`
	ID         string            `json:"id,omitempty"`
}

// UserAccessPolicy defines global access rules and quotas.
type UserAccessPolicy struct {
	DefaultPolicy      string                  `json:"defaultPolicy"` // "allow" or "deny"
	DefaultMaxMatches  int                     `json:"defaultMaxMatches"`
	DefaultDenyMessage string                  `json:"defaultDenyMessage"`
	Admins             []string                `json:"admins"`
	Users              map[string]UserOverride `json:"users"`
}

// UserOverride defines specific access rules for a single user.
type UserOverride struct {
	Access     string `json:"access"` // "allow" or "deny"
	MaxMatches int    `json:"maxMatches"`
}

// normalize lowercases user keys and fills empty collections.
func (p *UserAccessPolicy) normalize() error {
	if p.DefaultPolicy == "" {
		p.DefaultPolicy = "allow"
	}
	if p.DefaultPolicy != "allow" && p.DefaultPolicy != "deny" {
		return invalidf("invalid default policy: %q", p.DefaultPolicy)
	}
	users := make(map[string]UserOverride, len(p.Users))
	for email, o := range p.Users {
		if o.Access != "" && o.Access != "allow" && o.Access != "deny" {
			return invalidf("invalid access for %s: %q", maskEmail(email), o.Access)
		}
		users[normalizeEmail(email)] = o
	}
	p.Users = users
	admins := make([]string, 0, len(p.Admins))
	for _, a := range p.Admins {
		if a = strings.TrimSpace(a); a != "" {
			admins = append(admins, normalizeEmail(a))
		}
	}
	p.Admins = admins
	return nil
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}

// ActionPayload contains details for CmdApplyAction.
type ActionPayload struct {
	MatchID string            `json:"matchId"`
	Actions []json.RawMessage `json:"actions"`
	UserID  string            `json:"userId"`
}
