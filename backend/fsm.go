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
	"os"
	"sync"
	"sync/atomic"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

const (
	accessPolicyFile = "sys_access_policy"
	nodesFile        = "nodes.json"
	fsmStateFile     = "fsm_state.json"
)

// FSM applies replicated commands to the stores. In standalone mode the
// server applies team and policy commands through it directly, with a zero
// log index.
type FSM struct {
	ms      *MatchStore
	ts      *TeamStore
	r       *Registry
	hm      *HubManager
	storage *storage.Storage
	rm      *RaftManager

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(ms *MatchStore, ts *TeamStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		ms:      ms,
		ts:      ts,
		r:       r,
		hm:      hm,
		storage: s,
	}
	f.loadNodes()
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile(nodesFile, &nodes); err != nil {
		if !os.IsNotExist(err) {
			log().Errorw("fsm: failed to read nodes", "error", err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile(nodesFile, f.nodes()); err != nil {
		log().Errorw("fsm: failed to save nodes", "error", err)
	}
}

func (f *FSM) nodes() map[string]*NodeMeta {
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	return nodes
}

// GetNodeMeta returns the metadata a node registered, or nil.
func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		return val.(*NodeMeta)
	}
	return nil
}

// GetNodeAddr returns the HTTP address of a node.
func (f *FSM) GetNodeAddr(nodeID string) string {
	if meta := f.GetNodeMeta(nodeID); meta != nil {
		return meta.HttpAddr
	}
	return ""
}

// Apply applies a Raft log entry.
func (f *FSM) Apply(l *raft.Log) any {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log().Errorw("fsm: failed to decode command", "index", l.Index, "error", err)
		return err
	}
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) any {
	switch cmd.Type {
	case CmdApplyAction:
		if cmd.Action == nil {
			return fmt.Errorf("missing action payload")
		}
		return f.applyActions(cmd.Action.MatchID, cmd.Action.Actions, index)
	case CmdSaveMatch:
		if cmd.MatchData == nil {
			return fmt.Errorf("missing match data")
		}
		return f.applySaveMatch(cmd.ID, *cmd.MatchData, index)
	case CmdDeleteMatch:
		return f.applyDeleteMatch(cmd.ID, index)
	case CmdSaveTeam:
		if cmd.TeamData == nil {
			return fmt.Errorf("missing team data")
		}
		return f.applySaveTeam(cmd.ID, *cmd.TeamData, index)
	case CmdDeleteTeam:
		return f.applyDeleteTeam(cmd.ID, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		return nil
	case CmdUpdateAccessPolicy:
		if cmd.PolicyData == nil {
			return fmt.Errorf("missing policy data")
		}
		return f.applyUpdateAccessPolicy(cmd.PolicyData)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyActions(matchID string, actions []json.RawMessage, index uint64) error {
	m, err := f.ms.LoadMatch(matchID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load match %s: %w", matchID, err)
		}
		m = &Match{ID: matchID}
		m.normalize()
	}
	if index > 0 && index <= m.LastRaftIndex {
		return nil // Already applied
	}
	if m.Status == StatusDeleted {
		return os.ErrNotExist
	}

	changed, err := ApplyActions(m, actions)
	if err != nil {
		return err
	}
	if index > 0 {
		m.LastRaftIndex = index
	} else if !changed {
		return nil
	}

	if err := f.ms.SaveMatchInMemory(m, f.rm == nil); err != nil {
		return err
	}
	f.r.UpdateMatch(*m)
	if changed {
		f.hm.recordApplied(m, actions)
	}
	f.hm.BroadcastToMatch(m.Clone(), len(actions))
	return nil
}

// applySaveMatch overwrites a match with a full copy. It is used to adopt
// the data of a node that bootstraps a cluster.
func (f *FSM) applySaveMatch(id string, data []byte, index uint64) error {
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to unmarshal match data: %w", err)
	}
	if m.ID != id {
		return fmt.Errorf("match id mismatch: %q != %q", m.ID, id)
	}
	if existing, err := f.ms.LoadMatch(id); err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}
	if index > 0 {
		m.LastRaftIndex = index
	}
	if err := f.ms.SaveMatchInMemory(&m, f.rm == nil); err != nil {
		return err
	}
	if m.Status == StatusDeleted {
		f.r.DeleteMatch(id)
		f.hm.EvictMatch(id)
		return nil
	}
	f.r.UpdateMatch(m)
	f.hm.BroadcastToMatch(m.Clone(), 0)
	return nil
}

func (f *FSM) applyDeleteMatch(id string, index uint64) error {
	if existing, err := f.ms.LoadMatch(id); err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}
	if err := f.ms.DeleteMatch(id); err != nil {
		return err
	}
	f.r.DeleteMatch(id)
	f.hm.EvictMatch(id)
	return nil
}

func (f *FSM) applySaveTeam(id string, data []byte, index uint64) error {
	var t Team
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to unmarshal team data: %w", err)
	}
	if t.ID != id {
		return fmt.Errorf("team id mismatch: %q != %q", t.ID, id)
	}
	if existing, err := f.ts.LoadTeam(id); err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}
	if index > 0 {
		t.LastRaftIndex = index
	}
	if err := f.ts.SaveTeam(&t); err != nil {
		return err
	}
	f.r.UpdateTeam(t)
	return nil
}

func (f *FSM) applyDeleteTeam(id string, index uint64) error {
	if existing, err := f.ts.LoadTeam(id); err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}
	if err := f.ts.DeleteTeam(id); err != nil {
		return err
	}
	f.r.DeleteTeam(id)
	return nil
}

func (f *FSM) applyUpdateAccessPolicy(policy *UserAccessPolicy) error {
	if err := policy.normalize(); err != nil {
		return err
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile(accessPolicyFile, policy); err != nil {
			return fmt.Errorf("failed to save access policy: %w", err)
		}
	}
	f.r.UpdateAccessPolicy(policy)
	return nil
}

// LoadAccessPolicy reads the persisted access policy into the registry.
func (f *FSM) LoadAccessPolicy() error {
	if f.storage == nil {
		return nil
	}
	var policy UserAccessPolicy
	if err := f.storage.ReadDataFile(accessPolicyFile, &policy); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := policy.normalize(); err != nil {
		return err
	}
	f.r.UpdateAccessPolicy(&policy)
	return nil
}

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.fsm.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return nil
}

func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	if err := f.FlushAll(); err != nil {
		log().Errorw("fsm snapshot: flush failed", "error", err)
		return nil, err
	}
	if f.storage != nil {
		state := map[string]any{
			"lastAppliedIndex": f.LastAppliedIndex(),
		}
		if err := f.storage.SaveDataFile(fsmStateFile, state); err != nil {
			log().Warnw("fsm snapshot: failed to save state marker", "error", err)
		}
	}
	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	f.r.Rebuild()
	return f.LoadAccessPolicy()
}

// FlushAll persists all in-memory match state.
func (f *FSM) FlushAll() error {
	return f.ms.FlushAll()
}
