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
	"errors"
	"io"
	"os"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

func newTestFSM(t *testing.T, st *testStores) *FSM {
	t.Helper()
	hm := NewHubManager(st.ms, st.r, NewAccessControl(st.r, ""), nil, nil)
	return NewFSM(st.ms, st.ts, st.r, hm, st.s)
}

func applyLog(t *testing.T, f *FSM, index uint64, cmd RaftCommand) any {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	return f.Apply(&raft.Log{Index: index, Data: data})
}

func actionCmd(matchID string, actions ...json.RawMessage) RaftCommand {
	return RaftCommand{
		Type:   CmdApplyAction,
		ID:     matchID,
		Action: &ActionPayload{MatchID: matchID, Actions: actions, UserID: testScorer},
	}
}

func TestFSMApplyActions(t *testing.T) {
	st := newTestStores(t)
	f := newTestFSM(t, st)
	id := newID()

	if res := applyLog(t, f, 5, actionCmd(id, setupAction(t, testScorer, testDetails()), ballAction(t, cricket.BallEvent{Runs: 4}))); res != nil {
		t.Fatalf("Apply failed: %v", res)
	}
	if f.LastAppliedIndex() != 5 {
		t.Errorf("Expected applied index 5, got %d", f.LastAppliedIndex())
	}
	m, err := st.ms.LoadMatch(id)
	if err != nil {
		t.Fatalf("LoadMatch failed: %v", err)
	}
	if len(m.Balls) != 1 || m.LastRaftIndex != 5 || m.OwnerID != testScorer {
		t.Errorf("Unexpected match: %d balls, index %d, owner %q", len(m.Balls), m.LastRaftIndex, m.OwnerID)
	}
	if md, ok := st.r.getMeta(id); !ok || md.Balls != 1 {
		t.Errorf("Expected registry to see 1 ball, got %+v", md)
	}

	// Replays at or below the last index are skipped.
	applyLog(t, f, 5, actionCmd(id, ballAction(t, cricket.BallEvent{Runs: 6})))
	applyLog(t, f, 6, actionCmd(id, ballAction(t, cricket.BallEvent{Runs: 1})))
	m, _ = st.ms.LoadMatch(id)
	if len(m.Balls) != 2 || m.Balls[1].Runs != 1 {
		t.Errorf("Expected balls [4 1], got %+v", m.Balls)
	}

	if res := applyLog(t, f, 7, RaftCommand{Type: CmdDeleteMatch, ID: id}); res != nil {
		t.Fatalf("Delete failed: %v", res)
	}
	res := applyLog(t, f, 8, actionCmd(id, ballAction(t, cricket.BallEvent{Runs: 1})))
	if err, ok := res.(error); !ok || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected ErrNotExist for a deleted match, got %v", res)
	}
	if !st.r.IsMatchDeleted(id) {
		t.Error("Expected the registry to mark the match deleted")
	}
}

func TestFSMCommands(t *testing.T) {
	st := newTestStores(t)
	f := newTestFSM(t, st)

	team := Team{Team: cricket.Team{ID: "nowhere-nomads", Name: "Nowhere Nomads", Players: []cricket.Player{{ID: "now-a", Name: "Alex Ash"}}}}
	data, _ := json.Marshal(team)
	raw := json.RawMessage(data)
	if res := applyLog(t, f, 1, RaftCommand{Type: CmdSaveTeam, ID: team.ID, TeamData: &raw}); res != nil {
		t.Fatalf("SaveTeam failed: %v", res)
	}
	if _, ok := st.r.Team(team.ID); !ok {
		t.Error("Expected the new team in the catalog")
	}
	if res := applyLog(t, f, 2, RaftCommand{Type: CmdSaveTeam, ID: "other-id", TeamData: &raw}); res == nil {
		t.Error("Expected an id mismatch error")
	}
	if res := applyLog(t, f, 3, RaftCommand{Type: CmdDeleteTeam, ID: team.ID}); res != nil {
		t.Fatalf("DeleteTeam failed: %v", res)
	}
	if _, ok := st.r.Team(team.ID); ok {
		t.Error("Expected the team to be gone")
	}

	policy := &UserAccessPolicy{DefaultPolicy: "deny", Admins: []string{" Boss@Example.com "}}
	if res := applyLog(t, f, 4, RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: policy}); res != nil {
		t.Fatalf("UpdateAccessPolicy failed: %v", res)
	}
	if p := st.r.GetAccessPolicy(); p == nil || p.DefaultPolicy != "deny" || p.Admins[0] != "boss@example.com" {
		t.Errorf("Unexpected policy: %+v", p)
	}

	if res := applyLog(t, f, 5, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: "node-1", HttpAddr: "http://node-1:8080"}}); res != nil {
		t.Fatalf("NodeMeta failed: %v", res)
	}
	if got := f.GetNodeAddr("node-1"); got != "http://node-1:8080" {
		t.Errorf("Expected node address, got %q", got)
	}
	// Node metadata is reloaded from storage.
	if got := newTestFSM(t, st).GetNodeAddr("node-1"); got != "http://node-1:8080" {
		t.Errorf("Expected persisted node address, got %q", got)
	}

	for _, cmd := range []RaftCommand{
		{Type: "BOGUS"},
		{Type: CmdApplyAction},
		{Type: CmdSaveTeam},
		{Type: CmdSaveMatch},
		{Type: CmdNodeMeta},
		{Type: CmdUpdateAccessPolicy},
	} {
		if res := applyLog(t, f, 6, cmd); res == nil {
			t.Errorf("Expected an error for %+v", cmd)
		}
	}
	if res := f.Apply(&raft.Log{Index: 7, Data: []byte("{")}); res == nil {
		t.Error("Expected a decode error")
	}
	if res := f.Apply(&raft.Log{Index: 8}); res != nil {
		t.Errorf("Expected empty entries to be ignored, got %v", res)
	}
}

func TestFSMSaveMatch(t *testing.T) {
	st := newTestStores(t)
	f := newTestFSM(t, st)

	m, err := Replay(newID(), []json.RawMessage{setupAction(t, testScorer, testDetails()), ballAction(t, cricket.BallEvent{Runs: 2})})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	data, _ := json.Marshal(m)
	raw := json.RawMessage(data)
	if res := applyLog(t, f, 3, RaftCommand{Type: CmdSaveMatch, ID: m.ID, MatchData: &raw}); res != nil {
		t.Fatalf("SaveMatch failed: %v", res)
	}
	got, err := st.ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch failed: %v", err)
	}
	if len(got.Balls) != 1 || got.LastRaftIndex != 3 {
		t.Errorf("Unexpected adopted match: %d balls at index %d", len(got.Balls), got.LastRaftIndex)
	}
	if ids := st.r.ListMatches(testScorer, "", "", ""); len(ids) != 1 {
		t.Errorf("Expected the match to be indexed, got %v", ids)
	}
}

type bufferSink struct {
	bytes.Buffer
}

func (b *bufferSink) Close() error { return nil }

func TestFSMSnapshotRoundTrip(t *testing.T) {
	src := newTestStores(t)
	f := newTestFSM(t, src)

	kept := newID()
	applyLog(t, f, 1, actionCmd(kept, setupAction(t, testScorer, testDetails()), ballAction(t, cricket.BallEvent{Runs: 4})))
	gone := newID()
	applyLog(t, f, 2, actionCmd(gone, setupAction(t, testScorer, testDetails())))
	applyLog(t, f, 3, RaftCommand{Type: CmdDeleteMatch, ID: gone})
	applyLog(t, f, 4, RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: &UserAccessPolicy{DefaultPolicy: "deny"}})
	applyLog(t, f, 5, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: "node-1", HttpAddr: "http://node-1"}})

	var sink bufferSink
	if err := f.persist(&sink); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	dst := newTestStores(t)
	g := newTestFSM(t, dst)
	// State that is not in the snapshot is dropped.
	stale := saveTestMatch(t, dst, setupAction(t, testViewer, testDetails()))
	extra := &Team{Team: cricket.Team{ID: "nowhere-nomads", Name: "Nowhere Nomads"}}
	if err := dst.ts.SaveTeam(extra); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}

	if err := g.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if g.LastAppliedIndex() != 5 || g.GetNodeAddr("node-1") != "http://node-1" {
		t.Errorf("Expected manifest state, got index %d", g.LastAppliedIndex())
	}
	m, err := dst.ms.LoadMatch(kept)
	if err != nil || len(m.Balls) != 1 {
		t.Fatalf("Expected restored match with 1 ball, got %v, %v", m, err)
	}
	if !dst.r.IsMatchDeleted(gone) {
		t.Error("Expected the tombstone to be restored")
	}
	if _, err := dst.ms.LoadMatch(stale.ID); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected stale match to be purged, got %v", err)
	}
	if _, err := dst.ts.LoadTeam("nowhere-nomads"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected extra team to be purged, got %v", err)
	}
	if len(dst.r.Catalog()) != 4 {
		t.Errorf("Expected the 4 seed teams, got %d", len(dst.r.Catalog()))
	}
	if p := dst.r.GetAccessPolicy(); p == nil || p.DefaultPolicy != "deny" {
		t.Errorf("Expected restored policy, got %+v", p)
	}
	if ids := dst.r.ListMatches(testScorer, "", "", ""); len(ids) != 1 || ids[0] != kept {
		t.Errorf("Expected the registry to be rebuilt, got %v", ids)
	}
}

func TestFSMRestoreRejectsGarbage(t *testing.T) {
	st := newTestStores(t)
	f := newTestFSM(t, st)
	if err := f.Restore(io.NopCloser(bytes.NewReader([]byte("not a snapshot")))); err == nil {
		t.Error("Expected an error for a corrupt snapshot")
	}
}
