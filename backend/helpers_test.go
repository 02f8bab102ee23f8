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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/jonboulle/clockwork"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

const (
	testScorer = "scorer@example.com"
	testViewer = "viewer@example.com"
	testAdmin  = "admin@example.com"

	testHome = "harbour-hawks"
	testAway = "ridge-rovers"
)

// testStart is the fake clock's initial time.
var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testStores struct {
	dir   string
	s     *storage.Storage
	ms    *MatchStore
	ts    *TeamStore
	r     *Registry
	clock *clockwork.FakeClock
}

// newTestStores returns stores over a fresh directory seeded with the
// built-in teams.
func newTestStores(t *testing.T) *testStores {
	t.Helper()
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(testStart)
	s := storage.New(dir, nil)
	ts := NewTeamStore(dir, s, clock)
	if _, err := ts.SeedTeams(); err != nil {
		t.Fatalf("SeedTeams failed: %v", err)
	}
	ms := NewMatchStore(dir, s, clock)
	return &testStores{
		dir:   dir,
		s:     s,
		ms:    ms,
		ts:    ts,
		r:     NewRegistry(ms, ts, clock),
		clock: clock,
	}
}

// testDetails is a T20 between the first two built-in clubs. Harbour Hawks
// win the toss and bat.
func testDetails() cricket.MatchDetails {
	return cricket.MatchDetails{
		Format:   cricket.FormatT20,
		Venue:    "Riverside Oval",
		Date:     "2025-06-01",
		Time:     "14:30",
		HomeTeam: testHome,
		AwayTeam: testAway,
		Squads: map[string][]string{
			testHome: {"har-arjun-mehta", "har-liam-carter", "har-sami-rahman"},
			testAway: {"rid-ethan-walsh", "rid-rohan-desai"},
		},
		TossWinner: testHome,
		TossChoice: cricket.TossBat,
	}
}

func mustAction(t *testing.T, actionType string, payload any) json.RawMessage {
	t.Helper()
	a, err := NewAction(actionType, payload)
	if err != nil {
		t.Fatalf("NewAction(%s) failed: %v", actionType, err)
	}
	return a
}

func setupAction(t *testing.T, owner string, d cricket.MatchDetails) json.RawMessage {
	t.Helper()
	return mustAction(t, ActionMatchSetup, MatchSetupPayload{OwnerID: owner, Match: d})
}

func ballAction(t *testing.T, b cricket.BallEvent) json.RawMessage {
	t.Helper()
	return mustAction(t, ActionBall, b)
}

// saveTestMatch replays actions into a new match and stores it.
func saveTestMatch(t *testing.T, st *testStores, actions ...json.RawMessage) *Match {
	t.Helper()
	m, err := Replay(newID(), actions)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if err := st.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch failed: %v", err)
	}
	st.r.UpdateMatch(*m)
	return m
}

// testServer is a standalone node with mock authentication.
type testServer struct {
	*testStores
	url     string
	metrics *Metrics
	client  *http.Client
}

func newTestServer(t *testing.T, mutate ...func(*Options)) *testServer {
	t.Helper()
	st := newTestStores(t)
	metrics := NewMetrics()
	opts := Options{
		DataDir:        st.dir,
		Storage:        st.s,
		MatchStore:     st.ms,
		TeamStore:      st.ts,
		Registry:       st.r,
		Clock:          st.clock,
		Metrics:        metrics,
		UseMockAuth:    true,
		BootstrapAdmin: testAdmin,
	}
	for _, f := range mutate {
		f(&opts)
	}
	handler, closeFn, err := NewServerHandler(opts)
	if err != nil {
		t.Fatalf("NewServerHandler failed: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		if err := closeFn(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	})
	return &testServer{
		testStores: st,
		url:        server.URL,
		metrics:    metrics,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// do sends a request as user ("" for anonymous). body is sent as JSON
// unless it is a url.Values, which is sent as a form.
func (ts *testServer) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		rd = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	case string:
		rd = strings.NewReader(b)
		contentType = "application/json"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("json.Marshal failed: %v", err)
		}
		rd = bytes.NewReader(data)
		contentType = "application/json"
	}
	req, err := http.NewRequest(method, ts.url+path, rd)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.AddCookie(&http.Cookie{Name: mockAuthCookie, Value: user})
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// expect checks the status of resp and decodes its JSON body into out.
func expect(t *testing.T, resp *http.Response, status int, out any) {
	t.Helper()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != status {
		t.Fatalf("Expected status %d, got %d: %s", status, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("Failed to decode %s: %v", body, err)
		}
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return string(body)
}

// createMatch creates a match through the API and returns its id.
func (ts *testServer) createMatch(t *testing.T, user string, d cricket.MatchDetails) string {
	t.Helper()
	id := newID()
	var resp HubResponse
	expect(t, ts.do(t, http.MethodPost, "/api/matches", user, map[string]any{"id": id, "match": d}), http.StatusCreated, &resp)
	if resp.Message == nil || resp.Message.Type != MsgTypeAck {
		t.Fatalf("Expected ACK, got %+v", resp.Message)
	}
	return id
}

func (ts *testServer) addBall(t *testing.T, user, id string, b cricket.BallEvent) HubResponse {
	t.Helper()
	var resp HubResponse
	expect(t, ts.do(t, http.MethodPost, fmt.Sprintf("/api/matches/%s/balls", id), user, b), http.StatusOK, &resp)
	return resp
}
