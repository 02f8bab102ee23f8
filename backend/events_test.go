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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

type recordingPublisher struct {
	events chan MatchEvent
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, e MatchEvent) error {
	p.events <- e
	if p.fail {
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) next(t *testing.T) MatchEvent {
	t.Helper()
	select {
	case e := <-p.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for an event")
	}
	return MatchEvent{}
}

func TestMatchEventSubject(t *testing.T) {
	for _, tc := range []struct {
		typ  string
		want string
	}{
		{ActionBall, "cricketscorer.matches.m1.ball"},
		{ActionUndoBall, "cricketscorer.matches.m1.undo-ball"},
		{ActionMatchSetup, "cricketscorer.matches.m1.match-setup"},
	} {
		if got := (MatchEvent{MatchID: "m1", Type: tc.typ}).Subject(); got != tc.want {
			t.Errorf("Subject(%s) = %q, want %q", tc.typ, got, tc.want)
		}
	}
}

func TestMatchEvents(t *testing.T) {
	setup := setupAction(t, testScorer, testDetails())
	four := ballAction(t, cricket.BallEvent{Runs: 4})
	m, err := Replay(newID(), []json.RawMessage{setup, four})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	sc := cricket.Derive(*m.Details, nil, m.Balls)
	events := matchEvents(m, sc, []json.RawMessage{setup, four, json.RawMessage(`not json`)})
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Type != ActionMatchSetup || events[0].Ball != nil {
		t.Errorf("Unexpected setup event: %+v", events[0])
	}
	e := events[1]
	if e.ID != actionID(four) || e.MatchID != m.ID || e.Ball == nil || e.Ball.Runs != 4 {
		t.Errorf("Unexpected ball event: %+v", e)
	}
	if e.Score != "4/0" || e.Overs != "0.1" {
		t.Errorf("Expected 4/0 after 0.1 overs, got %s after %s", e.Score, e.Overs)
	}
}

func TestAppliedActionsArePublished(t *testing.T) {
	st := newTestStores(t)
	pub := &recordingPublisher{events: make(chan MatchEvent, 10), fail: true}
	metrics := NewMetrics()
	hm := NewHubManager(st.ms, st.r, NewAccessControl(st.r, ""), metrics, pub)
	f := NewFSM(st.ms, st.ts, st.r, hm, st.s)

	id := newID()
	applyLog(t, f, 1, actionCmd(id, setupAction(t, testScorer, testDetails()), ballAction(t, cricket.BallEvent{Runs: 1, ExtraType: "wide"})))

	if e := pub.next(t); e.Type != ActionMatchSetup || e.MatchID != id {
		t.Errorf("Unexpected first event: %+v", e)
	}
	e := pub.next(t)
	if e.Type != ActionBall || e.Ball == nil || e.Ball.ExtraType != "wide" {
		t.Errorf("Unexpected second event: %+v", e)
	}
	if e.Score != "2/0" || e.Overs != "0.0" {
		t.Errorf("Expected 2/0 after 0.0 overs, got %s after %s", e.Score, e.Overs)
	}
}
