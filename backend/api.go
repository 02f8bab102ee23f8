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
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log().Debugw("failed to write response", "error", err)
	}
}

// writeJSONWithETag writes v and answers conditional requests with 304.
func writeJSONWithETag(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, err)
		return
	}
	etag := generateETag(data)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		return invalidf("malformed JSON")
	}
	return nil
}

// requireUser returns the authenticated user allowed by the access policy.
func (a *app) requireUser(r *http.Request) (string, error) {
	userId := getUserID(r)
	if userId == "" || !isValidEmail(userId) {
		return "", fmt.Errorf("%w: login required", ErrForbidden)
	}
	if allowed, msg := a.ac.IsAllowed(userId); !allowed {
		return "", fmt.Errorf("%w: %s", ErrForbidden, msg)
	}
	return userId, nil
}

// loadMatch returns a copy of a match the caller may read.
func (a *app) loadMatch(r *http.Request, id string) (*Match, error) {
	if !isValidUUID(id) {
		return nil, invalidf("invalid match id")
	}
	resp, err := a.hm.Submit(r.Context(), id, HubRequest{Type: ReqTypeLoad})
	if err != nil {
		return nil, err
	}
	if GetMatchAccess(getUserID(r), *resp.Match) < AccessRead {
		return nil, fmt.Errorf("%w: you do not have access to this match", ErrForbidden)
	}
	return resp.Match, nil
}

// submit sends an action message to the match hub.
func (a *app) submit(r *http.Request, matchID, userID string, msg Message) (HubResponse, error) {
	if !isValidUUID(matchID) {
		return HubResponse{}, invalidf("invalid match id")
	}
	msg.MatchID = matchID
	return a.hm.Submit(r.Context(), matchID, HubRequest{
		Type:    ReqTypeAction,
		UserID:  userID,
		Headers: r.Header,
		Message: msg,
	})
}

// appendAction builds one action and applies it at the head of the match.
func (a *app) appendAction(r *http.Request, matchID, userID, actionType string, payload any) (HubResponse, error) {
	action, err := NewAction(actionType, payload)
	if err != nil {
		return HubResponse{}, err
	}
	return a.submit(r, matchID, userID, Message{Actions: []json.RawMessage{action}, Append: true})
}

func writeActionResult(w http.ResponseWriter, resp HubResponse, okStatus int) {
	if resp.Message != nil && resp.Message.Type == MsgTypeConflict {
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	writeJSON(w, okStatus, resp)
}

func (a *app) handleMe(w http.ResponseWriter, r *http.Request) {
	userId := getUserID(r)
	if userId == "" || !isValidEmail(userId) {
		http.Error(w, "Unauthenticated", http.StatusForbidden)
		return
	}
	allowed, msg := a.ac.IsAllowed(userId)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      userId,
		"allowed": allowed,
		"message": msg,
		"admin":   a.ac.IsAdmin(userId),
		"quotas": map[string]int{
			"maxMatches":  a.ac.MatchQuota(userId),
			"matchesUsed": a.r.CountOwnedMatches(userId),
		},
	})
}

func (a *app) handleListTeams(w http.ResponseWriter, r *http.Request) {
	writeJSONWithETag(w, r, a.r.Catalog().Sorted())
}

func (a *app) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	t, ok := a.r.Team(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSONWithETag(w, r, t)
}

func (a *app) handleSaveTeam(w http.ResponseWriter, r *http.Request) {
	userId, err := a.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, invalidf("request too large"))
		return
	}
	var t Team
	if err := json.Unmarshal(body, &t); err != nil {
		writeError(w, invalidf("malformed JSON"))
		return
	}
	if err := validateTeam(&t); err != nil {
		writeError(w, err)
		return
	}

	isAdmin := a.ac.IsAdmin(userId)
	existing, err := a.ts.LoadTeam(t.ID)
	switch {
	case err == nil && !existing.Deleted():
		if GetTeamAccess(userId, *existing, isAdmin) < AccessAdmin {
			writeError(w, fmt.Errorf("%w: you do not have permission to manage this team", ErrForbidden))
			return
		}
		t.OwnerID = existing.OwnerID
	case err == nil || errors.Is(err, os.ErrNotExist):
		t.OwnerID = userId
	default:
		writeError(w, err)
		return
	}
	t.SchemaVersion = CurrentSchemaVersion
	t.Status = ""
	t.DeletedAt = 0
	t.LastRaftIndex = 0
	t.UpdatedAt = a.opts.Clock.Now().UnixNano()

	data, err := json.Marshal(t)
	if err != nil {
		writeError(w, err)
		return
	}
	raw := json.RawMessage(data)
	if err := a.commit(RaftCommand{Type: CmdSaveTeam, ID: t.ID, TeamData: &raw}); err != nil {
		if errors.Is(err, ErrNotLeader) {
			a.rm.forwardRequestToLeader(w, r, body)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *app) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	userId, err := a.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, invalidf("request too large"))
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || !isValidSlug(req.ID) {
		writeError(w, invalidf("team id is missing or invalid"))
		return
	}
	existing, err := a.ts.LoadTeam(req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing.Deleted() {
		w.WriteHeader(http.StatusOK)
		return
	}
	if GetTeamAccess(userId, *existing, a.ac.IsAdmin(userId)) < AccessAdmin {
		writeError(w, fmt.Errorf("%w: you do not have permission to delete this team", ErrForbidden))
		return
	}
	if err := a.commit(RaftCommand{Type: CmdDeleteTeam, ID: req.ID}); err != nil {
		if errors.Is(err, ErrNotLeader) {
			a.rm.forwardRequestToLeader(w, r, body)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *app) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	userId, err := a.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ID    string               `json:"id"`
		Match cricket.MatchDetails `json:"match"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = newID()
	}
	resp, err := a.appendAction(r, req.ID, userId, ActionMatchSetup, MatchSetupPayload{OwnerID: userId, Match: req.Match})
	if err != nil {
		writeError(w, err)
		return
	}
	writeActionResult(w, resp, http.StatusCreated)
}

func (a *app) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := a.loadMatch(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithETag(w, r, m)
}

// scorecardResponse is the dashboard view of a match.
type scorecardResponse struct {
	ID        string                `json:"id"`
	Revision  string                `json:"revision"`
	Page      string                `json:"page"`
	Details   *cricket.MatchDetails `json:"match"`
	Scorecard cricket.Scorecard     `json:"scorecard"`
}

func (a *app) handleGetScorecard(w http.ResponseWriter, r *http.Request) {
	m, err := a.loadMatch(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if m.Details == nil {
		writeError(w, ErrNoMatch)
		return
	}
	writeJSONWithETag(w, r, scorecardResponse{
		ID:        m.ID,
		Revision:  m.Revision(),
		Page:      m.Page,
		Details:   m.Details,
		Scorecard: a.r.Scorecard(m),
	})
}

func (a *app) handleActions(w http.ResponseWriter, r *http.Request) {
	userId, err := a.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var msg Message
	if err := decodeBody(w, r, &msg); err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.submit(r, mux.Vars(r)["id"], userId, msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeActionResult(w, resp, http.StatusOK)
}

func (a *app) handleAddBall(w http.ResponseWriter, r *http.Request) {
	userId, err := a.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var ball cricket.BallEvent
	if err := decodeBody(w, r, &ball); err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.appendAction(r, mux.Vars(r)["id"], userId, ActionBall, ball)
	if err != nil {
		writeError(w, err)
		return
	}
	writeActionResult(w, resp, http.StatusOK)
}

// apiAction handles the actions that take no payload.
func (a *app) apiAction(actionType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId, err := a.requireUser(r)
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := a.appendAction(r, mux.Vars(r)["id"], userId, actionType, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeActionResult(w, resp, http.StatusOK)
	}
}

func (a *app) handleNavigate(w http.ResponseWriter, r *http.Request) {
	userId, err := a.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var p NavigatePayload
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.appendAction(r, mux.Vars(r)["id"], userId, ActionNavigate, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeActionResult(w, resp, http.StatusOK)
}

// MatchSummary is one row of the match list.
type MatchSummary struct {
	MatchMetadata
	HomeTeamName string `json:"homeTeamName,omitempty"`
	AwayTeamName string `json:"awayTeamName,omitempty"`
}

func (a *app) handleListMatches(w http.ResponseWriter, r *http.Request) {
	userId := getUserID(r)
	if userId != "" {
		if allowed, msg := a.ac.IsAllowed(userId); !allowed {
			writeError(w, fmt.Errorf("%w: %s", ErrForbidden, msg))
			return
		}
	}

	var knownIds []string
	if r.Method == http.MethodPost {
		var body struct {
			KnownIds []string `json:"knownIds"`
		}
		// An empty body is an empty list.
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err == nil {
			knownIds = body.KnownIds
		}
	}

	limit, offset, sortBy, order, query := parsePagination(r)
	ids := a.r.ListMatches(userId, sortBy, order, query)
	total := len(ids)

	var pageIds []string
	if offset < total {
		pageIds = ids[offset:min(offset+limit, total)]
	}

	catalog := a.r.Catalog()
	matches := make([]MatchSummary, 0, len(pageIds))
	for _, id := range pageIds {
		md, ok := a.r.getMeta(id)
		if !ok {
			continue
		}
		matches = append(matches, MatchSummary{
			MatchMetadata: md,
			HomeTeamName:  catalog[md.HomeTeamID].Name,
			AwayTeamName:  catalog[md.AwayTeamID].Name,
		})
	}
	for _, kid := range knownIds {
		if a.r.IsMatchDeleted(kid) {
			matches = append(matches, MatchSummary{MatchMetadata: MatchMetadata{ID: kid, Status: StatusDeleted}})
		}
	}

	resp := struct {
		Data []MatchSummary `json:"data"`
		Meta struct {
			Total  int `json:"total"`
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
		} `json:"meta"`
	}{Data: matches}
	resp.Meta.Total = total
	resp.Meta.Offset = offset
	resp.Meta.Limit = limit
	writeJSONWithETag(w, r, resp)
}

func (a *app) handleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	userId, err := a.requireUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, invalidf("request too large"))
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, invalidf("malformed JSON"))
		return
	}
	m, err := a.loadMatch(r, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if GetMatchAccess(userId, *m) < AccessAdmin {
		writeError(w, fmt.Errorf("%w: only the owner can delete a match", ErrForbidden))
		return
	}
	if err := a.commit(RaftCommand{Type: CmdDeleteMatch, ID: req.ID}); err != nil {
		if errors.Is(err, ErrNotLeader) {
			a.rm.forwardRequestToLeader(w, r, body)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *app) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if !a.ac.IsAdmin(getUserID(r)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	policy := a.r.GetAccessPolicy()
	if policy == nil {
		policy = &UserAccessPolicy{
			DefaultPolicy: "allow",
			Admins:        []string{},
			Users:         make(map[string]UserOverride),
		}
	}
	writeJSON(w, http.StatusOK, policy)
}

func (a *app) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	if !a.ac.IsAdmin(getUserID(r)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, invalidf("request too large"))
		return
	}
	var policy UserAccessPolicy
	if err := json.Unmarshal(body, &policy); err != nil {
		writeError(w, invalidf("malformed JSON"))
		return
	}
	if err := policy.normalize(); err != nil {
		writeError(w, err)
		return
	}
	if err := a.commit(RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: &policy}); err != nil {
		if errors.Is(err, ErrNotLeader) {
			a.rm.forwardRequestToLeader(w, r, body)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
