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
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"slices"
	"time"

	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// slugRegex matches catalog ids for teams and players.
var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

func isValidSlug(id string) bool {
	return slugRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

var (
	// ErrNoMatch is returned when a ball is recorded while no match is configured.
	ErrNoMatch = errors.New("no match configured")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// BaseAction represents the common fields of an action.
type BaseAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
}

// MatchSetupPayload is the payload of a MATCH_SETUP action.
type MatchSetupPayload struct {
	OwnerID string               `json:"ownerId,omitempty"`
	Match   cricket.MatchDetails `json:"match"`
}

// NavigatePayload is the payload of a NAVIGATE action.
type NavigatePayload struct {
	Page string `json:"page"`
}

// PermissionsPayload is the payload of a PERMISSIONS_UPDATE action.
type PermissionsPayload struct {
	Permissions Permissions `json:"permissions"`
}

// NewAction builds an action with a fresh id.
func NewAction(actionType string, payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(BaseAction{
		ID:            newID(),
		Type:          actionType,
		Payload:       raw,
		Timestamp:     time.Now().UnixMilli(),
		SchemaVersion: CurrentSchemaVersion,
	})
}

// ValidateAction validates a single action from raw JSON.
func ValidateAction(raw json.RawMessage) error {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return invalidf("malformed action JSON")
	}
	if !isValidUUID(action.ID) {
		return invalidf("invalid action ID: %s", action.ID)
	}
	if action.Type == "" {
		return invalidf("missing action type")
	}
	return validateActionPayload(action.Type, action.Payload)
}

// ValidateActions validates a list of actions.
func ValidateActions(actions []json.RawMessage) error {
	for i, raw := range actions {
		if err := ValidateAction(raw); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}
	return nil
}

func validateActionPayload(actionType string, payload json.RawMessage) error {
	switch actionType {
	case ActionMatchSetup:
		var p MatchSetupPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return invalidf("malformed match setup")
		}
		return validateDetailsShape(p.Match)
	case ActionNavigate:
		var p NavigatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return invalidf("malformed navigate payload")
		}
		return validatePage(p.Page)
	case ActionBall:
		var b cricket.BallEvent
		if err := json.Unmarshal(payload, &b); err != nil {
			return invalidf("malformed ball")
		}
		return ValidateBall(b)
	case ActionUndoBall, ActionResetInnings, ActionReset:
		return nil
	case ActionPermissions:
		var p PermissionsPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return invalidf("malformed permissions")
		}
		return validatePermissions(p.Permissions)
	default:
		return invalidf("unknown action type: %s", actionType)
	}
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return invalidf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func validatePage(page string) error {
	switch page {
	case PageSetup, PageScoring, PageDashboard:
		return nil
	}
	return invalidf("unknown page: %q", page)
}

func validatePermissions(p Permissions) error {
	if p.Public != "" && p.Public != "none" && p.Public != "read" {
		return invalidf("invalid public access: %q", p.Public)
	}
	for u, role := range p.Users {
		if !isValidEmail(u) {
			return invalidf("invalid user: %q", u)
		}
		if role != "read" && role != "write" {
			return invalidf("invalid role for %s: %q", maskEmail(u), role)
		}
	}
	return nil
}

// ValidateBall checks a ball event in isolation.
func ValidateBall(b cricket.BallEvent) error {
	if b.Runs < 0 || b.Runs > 6 {
		return invalidf("runs out of range: %d", b.Runs)
	}
	if b.ExtraType != "" && !slices.Contains(cricket.ExtraTypes, b.ExtraType) {
		return invalidf("unknown extra type: %q", b.ExtraType)
	}
	if b.IsWicket {
		if b.WicketType != "" && !slices.Contains(cricket.WicketTypes, b.WicketType) {
			return invalidf("unknown wicket type: %q", b.WicketType)
		}
	} else if b.WicketType != "" || b.BatterOut != "" {
		return invalidf("dismissal details without a wicket")
	}
	for name, id := range map[string]string{"batterOut": b.BatterOut, "strikerId": b.StrikerID, "bowlerId": b.BowlerID} {
		if id != "" && !isValidSlug(id) {
			return invalidf("invalid %s: %q", name, id)
		}
	}
	return nil
}

// validateDetailsShape checks the fields of a match that do not depend on
// the team catalog.
func validateDetailsShape(d cricket.MatchDetails) error {
	if !slices.Contains(cricket.Formats, d.Format) {
		return invalidf("unknown format: %q", d.Format)
	}
	if d.Venue == "" {
		return invalidf("venue is required")
	}
	if err := validateStringLen(d.Venue, 100, "venue"); err != nil {
		return err
	}
	if _, err := time.Parse("2006-01-02", d.Date); err != nil {
		return invalidf("date must be YYYY-MM-DD")
	}
	if _, err := time.Parse("15:04", d.Time); err != nil {
		return invalidf("time must be HH:MM")
	}
	if !isValidSlug(d.HomeTeam) || !isValidSlug(d.AwayTeam) {
		return invalidf("home and away teams are required")
	}
	if d.HomeTeam == d.AwayTeam {
		return invalidf("home and away teams must differ")
	}
	if d.TossWinner != d.HomeTeam && d.TossWinner != d.AwayTeam {
		return invalidf("toss winner must be one of the playing teams")
	}
	if d.TossChoice != cricket.TossBat && d.TossChoice != cricket.TossBowl {
		return invalidf("toss choice must be bat or bowl")
	}
	for teamID, squad := range d.Squads {
		if teamID != d.HomeTeam && teamID != d.AwayTeam {
			return invalidf("squad for a team not playing: %q", teamID)
		}
		if len(squad) > cricket.MaxSquadSize {
			return invalidf("squad for %s exceeds %d players", teamID, cricket.MaxSquadSize)
		}
		seen := make(map[string]bool, len(squad))
		for _, pid := range squad {
			if !isValidSlug(pid) {
				return invalidf("invalid player id: %q", pid)
			}
			if seen[pid] {
				return invalidf("duplicate player %q in squad", pid)
			}
			seen[pid] = true
		}
	}
	return nil
}

// ValidateMatchDetails checks the match against the team catalog.
func ValidateMatchDetails(d cricket.MatchDetails, catalog Catalog) error {
	if err := validateDetailsShape(d); err != nil {
		return err
	}
	for _, id := range []string{d.HomeTeam, d.AwayTeam} {
		if _, ok := catalog[id]; !ok {
			return invalidf("unknown team: %q", id)
		}
	}
	for teamID, squad := range d.Squads {
		team := catalog[teamID]
		for _, pid := range squad {
			if _, ok := team.PlayerByID(pid); !ok {
				return invalidf("player %q is not in %s", pid, team.Name)
			}
		}
	}
	return nil
}

// validateBallForMatch checks that the players named by a ball take part in
// the configured match.
func validateBallForMatch(m *Match, catalog Catalog, b cricket.BallEvent) error {
	if m.Details == nil {
		return ErrNoMatch
	}
	batting := cricket.XI(*m.Details, catalog[m.Details.BattingTeamID()])
	bowling := cricket.XI(*m.Details, catalog[m.Details.BowlingTeamID()])
	in := func(xi []cricket.Player, id string) bool {
		return slices.ContainsFunc(xi, func(p cricket.Player) bool { return p.ID == id })
	}
	if b.StrikerID != "" && !in(batting, b.StrikerID) {
		return invalidf("striker %q is not batting", b.StrikerID)
	}
	if b.BatterOut != "" && !in(batting, b.BatterOut) {
		return invalidf("dismissed batter %q is not batting", b.BatterOut)
	}
	if b.BowlerID != "" && !in(bowling, b.BowlerID) {
		return invalidf("bowler %q is not fielding", b.BowlerID)
	}
	return nil
}

// ValidateActionsForMatch runs the checks that depend on the match state and
// the team catalog. actions are checked in order against a scratch copy.
func ValidateActionsForMatch(m *Match, catalog Catalog, actions []json.RawMessage) error {
	scratch := m.Clone()
	for i, raw := range actions {
		var action BaseAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return invalidf("malformed action JSON")
		}
		switch action.Type {
		case ActionMatchSetup:
			var p MatchSetupPayload
			if err := json.Unmarshal(action.Payload, &p); err != nil {
				return invalidf("malformed match setup")
			}
			if err := ValidateMatchDetails(p.Match, catalog); err != nil {
				return fmt.Errorf("action %d: %w", i, err)
			}
		case ActionBall:
			var b cricket.BallEvent
			if err := json.Unmarshal(action.Payload, &b); err != nil {
				return invalidf("malformed ball")
			}
			if err := validateBallForMatch(scratch, catalog, b); err != nil {
				return fmt.Errorf("action %d: %w", i, err)
			}
		}
		if _, err := ApplyAction(scratch, raw); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// ApplyActions applies multiple actions to the match state.
func ApplyActions(m *Match, actions []json.RawMessage) (bool, error) {
	anyChanged := false
	for _, raw := range actions {
		changed, err := ApplyAction(m, raw)
		if err != nil {
			return anyChanged, err
		}
		if changed {
			anyChanged = true
		}
	}
	return anyChanged, nil
}

// ApplyAction appends an action to the log and folds it into the match state.
// It assumes validation and authorization have already been performed.
// Returns true if the action was applied, false if it was a duplicate.
func ApplyAction(m *Match, raw json.RawMessage) (bool, error) {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return false, fmt.Errorf("failed to unmarshal action for apply: %w", err)
	}

	if m.hasAction(action.ID) {
		return false, nil
	}

	if err := fold(m, action); err != nil {
		return false, err
	}

	m.ActionLog = append(m.ActionLog, raw)
	m.actionIDs[action.ID] = struct{}{}
	m.LastActionID = action.ID
	return true, nil
}

// fold applies the effect of one action to the materialized state.
func fold(m *Match, action BaseAction) error {
	switch action.Type {
	case ActionMatchSetup:
		var p MatchSetupPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("match setup payload: %w", err)
		}
		if m.OwnerID == "" {
			m.OwnerID = normalizeEmail(p.OwnerID)
		}
		d := p.Match
		m.Details = &d
		m.Page = PageScoring
		m.Balls = []cricket.BallEvent{}
		m.Status = StatusActive
	case ActionNavigate:
		var p NavigatePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("navigate payload: %w", err)
		}
		m.Page = p.Page
	case ActionBall:
		if m.Details == nil {
			return ErrNoMatch
		}
		var b cricket.BallEvent
		if err := json.Unmarshal(action.Payload, &b); err != nil {
			return fmt.Errorf("ball payload: %w", err)
		}
		m.Balls = append(m.Balls, b)
	case ActionUndoBall:
		if len(m.Balls) > 0 {
			m.Balls = m.Balls[:len(m.Balls)-1]
		}
	case ActionResetInnings:
		m.Balls = []cricket.BallEvent{}
	case ActionReset:
		m.Details = nil
		m.Page = PageSetup
		m.Balls = []cricket.BallEvent{}
	case ActionPermissions:
		var p PermissionsPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("permissions payload: %w", err)
		}
		m.Permissions = p.Permissions
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
	return nil
}

// Replay rebuilds a match from its action log.
func Replay(id string, actions []json.RawMessage) (*Match, error) {
	m := &Match{ID: id}
	m.normalize()
	if _, err := ApplyActions(m, actions); err != nil {
		return nil, err
	}
	return m, nil
}
