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
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

func newID() string {
	return uuid.NewString()
}

// Permissions defines access control for a match.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// Match is the full match state as stored on disk: the action log and the
// state folded from it.
type Match struct {
	ID            string                `json:"id"`
	SchemaVersion int                   `json:"schemaVersion"`
	OwnerID       string                `json:"ownerId"`
	Permissions   Permissions           `json:"permissions"`
	Status        string                `json:"status"`
	Details       *cricket.MatchDetails `json:"match"`
	Page          string                `json:"page"`
	Balls         []cricket.BallEvent   `json:"balls"`
	ActionLog     []json.RawMessage     `json:"actionLog,omitempty"`
	LastActionID  string                `json:"lastActionId,omitempty"`
	CreatedAt     int64                 `json:"createdAt,omitempty"`
	UpdatedAt     int64                 `json:"updatedAt,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the match was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex is the index of the last replicated log entry applied to
	// this match. Replays at or below it are skipped.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`

	// actionIDs indexes the ids of ActionLog. Built on first use.
	actionIDs map[string]struct{}
}

// hasAction reports whether the action log holds an action with id.
func (m *Match) hasAction(id string) bool {
	if m.actionIDs == nil {
		m.actionIDs = make(map[string]struct{}, len(m.ActionLog))
		for _, raw := range m.ActionLog {
			m.actionIDs[actionID(raw)] = struct{}{}
		}
	}
	_, ok := m.actionIDs[id]
	return ok
}

func (m *Match) normalize() {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	if m.Permissions.Users == nil {
		m.Permissions.Users = make(map[string]string)
	}
	if m.ActionLog == nil {
		m.ActionLog = make([]json.RawMessage, 0)
	}
	if m.Balls == nil {
		m.Balls = make([]cricket.BallEvent, 0)
	}
	if m.Page == "" {
		m.Page = PageSetup
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
}

// Exists reports whether the match has been created.
func (m *Match) Exists() bool {
	return len(m.ActionLog) > 0 || m.OwnerID != ""
}

// Revision returns the id of the last applied action.
func (m *Match) Revision() string {
	if m.LastActionID != "" {
		return m.LastActionID
	}
	return getCurrentRevision(m.ActionLog)
}

// Clone returns a deep copy of the match. If the match cannot round-trip
// through JSON the error is logged and the copy shares the details and the
// raw actions with m.
func (m *Match) Clone() *Match {
	var c Match
	b, err := json.Marshal(m)
	if err == nil {
		err = json.Unmarshal(b, &c)
	}
	if err != nil {
		log().Errorw("failed to clone match", "matchId", m.ID, "error", err)
		c = *m
		c.actionIDs = nil
		c.Balls = slices.Clone(m.Balls)
		c.ActionLog = slices.Clone(m.ActionLog)
	}
	c.normalize()
	return &c
}

// Metadata returns the indexing fields of the match.
func (m *Match) Metadata() MatchMetadata {
	md := MatchMetadata{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Permissions: m.Permissions,
		Status:      m.Status,
		UpdatedAt:   m.UpdatedAt,
		DeletedAt:   m.DeletedAt,
		Balls:       len(m.Balls),
	}
	if d := m.Details; d != nil {
		md.Format = d.Format
		md.Venue = d.Venue
		md.Date = d.Date
		md.Time = d.Time
		md.HomeTeamID = d.HomeTeam
		md.AwayTeamID = d.AwayTeam
	}
	return md
}

// MatchMetadata contains only the fields needed for indexing.
type MatchMetadata struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions"`
	Format      string      `json:"format,omitempty"`
	Venue       string      `json:"venue,omitempty"`
	Date        string      `json:"date,omitempty"`
	Time        string      `json:"time,omitempty"`
	HomeTeamID  string      `json:"homeTeamId,omitempty"`
	AwayTeamID  string      `json:"awayTeamId,omitempty"`
	Balls       int         `json:"balls"`
	Status      string      `json:"status"`
	UpdatedAt   int64       `json:"updatedAt,omitempty"`
	DeletedAt   int64       `json:"deletedAt,omitempty"`
}

// MatchStore manages match persistence to disk.
type MatchStore struct {
	DataDir string
	storage *storage.Storage
	clock   clockwork.Clock
	mu      sync.Map // *sync.RWMutex per match id
	cache   sync.Map // latest JSON per match id

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewMatchStore creates a new MatchStore.
func NewMatchStore(dataDir string, s *storage.Storage, clock clockwork.Clock) *MatchStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MatchStore{
		DataDir: dataDir,
		storage: s,
		clock:   clock,
		dirty:   make(map[string]bool),
	}
}

func (ms *MatchStore) lock(id string) *sync.RWMutex {
	m, _ := ms.mu.LoadOrStore(id, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

func matchFiles(id string) (string, string) {
	enc := url.PathEscape(id)
	return filepath.Join("matches", enc+".json"), filepath.Join("matches", enc+".meta.json")
}

func (ms *MatchStore) touch(m *Match) {
	now := ms.clock.Now().UnixNano()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// SaveMatch writes the match and its metadata sidecar.
func (ms *MatchStore) SaveMatch(m *Match) error {
	mutex := ms.lock(m.ID)
	mutex.Lock()
	defer mutex.Unlock()

	if m.UpdatedAt == 0 {
		ms.touch(m)
	}
	filename, metaFilename := matchFiles(m.ID)
	if err := ms.storage.SaveDataFile(filename, m); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	meta := m.Metadata()
	if err := ms.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log().Warnw("failed to save match metadata sidecar", "matchId", m.ID, "error", err)
	}
	if b, err := json.Marshal(m); err == nil {
		ms.cache.Store(m.ID, b)
	}

	ms.dirtyMu.Lock()
	delete(ms.dirty, m.ID)
	ms.dirtyMu.Unlock()
	return nil
}

// SaveMatchInMemory updates the cache and marks the match dirty. With
// forceSync the match is written through immediately.
func (ms *MatchStore) SaveMatchInMemory(m *Match, forceSync bool) error {
	ms.touch(m)
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ms.cache.Store(m.ID, b)
	if forceSync {
		return ms.SaveMatch(m)
	}
	ms.dirtyMu.Lock()
	ms.dirty[m.ID] = true
	ms.dirtyMu.Unlock()
	return nil
}

// Flush persists a match if it is dirty.
func (ms *MatchStore) Flush(id string) error {
	ms.dirtyMu.Lock()
	isDirty := ms.dirty[id]
	ms.dirtyMu.Unlock()
	if !isDirty {
		return nil
	}
	val, ok := ms.cache.Load(id)
	if !ok {
		ms.dirtyMu.Lock()
		delete(ms.dirty, id)
		ms.dirtyMu.Unlock()
		return fmt.Errorf("match %s marked dirty but not found in cache", id)
	}
	var m Match
	if err := json.Unmarshal(val.([]byte), &m); err != nil {
		return fmt.Errorf("failed to unmarshal match from cache for flush: %w", err)
	}
	return ms.SaveMatch(&m)
}

// FlushAll persists all dirty matches.
func (ms *MatchStore) FlushAll() error {
	ms.dirtyMu.Lock()
	ids := make([]string, 0, len(ms.dirty))
	for id := range ms.dirty {
		ids = append(ids, id)
	}
	ms.dirtyMu.Unlock()

	for _, id := range ids {
		if err := ms.Flush(id); err != nil {
			return fmt.Errorf("failed to flush match %s: %w", id, err)
		}
	}
	return nil
}

// LoadMatch loads a match by id. Missing matches return os.ErrNotExist.
func (ms *MatchStore) LoadMatch(id string) (*Match, error) {
	if val, ok := ms.cache.Load(id); ok {
		var m Match
		if err := json.Unmarshal(val.([]byte), &m); err == nil {
			m.normalize()
			return &m, nil
		}
		ms.cache.Delete(id)
	}

	mutex := ms.lock(id)
	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := matchFiles(id)
	var m Match
	if err := ms.storage.ReadDataFile(filename, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if m.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("match %s has unsupported schema version %d", id, m.SchemaVersion)
	}
	m.normalize()
	if b, err := json.Marshal(&m); err == nil {
		ms.cache.Store(id, b)
	}
	return &m, nil
}

// DeleteMatch replaces the match with a tombstone.
func (ms *MatchStore) DeleteMatch(id string) error {
	m, err := ms.LoadMatch(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	mutex := ms.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	now := ms.clock.Now().UnixNano()
	tombstone := &Match{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusDeleted,
		OwnerID:       m.OwnerID,
		UpdatedAt:     now,
		DeletedAt:     now,
		LastRaftIndex: m.LastRaftIndex,
	}
	filename, metaFilename := matchFiles(id)
	if err := ms.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}
	meta := tombstone.Metadata()
	if err := ms.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log().Warnw("failed to save metadata tombstone", "matchId", id, "error", err)
	}
	if b, err := json.Marshal(tombstone); err == nil {
		ms.cache.Store(id, b)
	}
	ms.dirtyMu.Lock()
	delete(ms.dirty, id)
	ms.dirtyMu.Unlock()
	return nil
}

// PurgeMatch permanently removes the match files.
func (ms *MatchStore) PurgeMatch(id string) error {
	mutex := ms.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	ms.cache.Delete(id)
	filename, metaFilename := matchFiles(id)
	if err := os.Remove(filepath.Join(ms.DataDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge match file: %w", err)
	}
	if err := os.Remove(filepath.Join(ms.DataDir, metaFilename)); err != nil && !os.IsNotExist(err) {
		log().Warnw("could not purge match metadata", "matchId", id, "error", err)
	}
	return nil
}

// matchIDs lists the ids found on disk followed by dirty ids not yet flushed.
func (ms *MatchStore) matchIDs() ([]string, map[string]bool, error) {
	files, err := os.ReadDir(filepath.Join(ms.DataDir, "matches"))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("could not read matches directory: %w", err)
	}
	hasMeta := make(map[string]bool)
	seen := make(map[string]bool)
	var ids []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()
		isMeta := strings.HasSuffix(name, ".meta.json")
		enc := strings.TrimSuffix(strings.TrimSuffix(name, ".meta.json"), ".json")
		if enc == name {
			continue
		}
		id, err := url.PathUnescape(enc)
		if err != nil {
			continue
		}
		if isMeta {
			hasMeta[id] = true
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	ms.dirtyMu.Lock()
	for id := range ms.dirty {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	ms.dirtyMu.Unlock()
	return ids, hasMeta, nil
}

// ListAllMatchMetadata iterates over the metadata of every stored match,
// reading sidecars where present. Dirty matches are read from the cache.
func (ms *MatchStore) ListAllMatchMetadata() iter.Seq2[MatchMetadata, error] {
	return func(yield func(MatchMetadata, error) bool) {
		ids, hasMeta, err := ms.matchIDs()
		if err != nil {
			yield(MatchMetadata{}, err)
			return
		}
		for _, id := range ids {
			ms.dirtyMu.Lock()
			isDirty := ms.dirty[id]
			ms.dirtyMu.Unlock()
			if hasMeta[id] && !isDirty {
				_, metaFilename := matchFiles(id)
				var meta MatchMetadata
				if err := ms.storage.ReadDataFile(metaFilename, &meta); err == nil {
					if !yield(meta, nil) {
						return
					}
					continue
				}
				log().Warnw("failed to load match metadata, falling back to match file", "matchId", id)
			}
			m, err := ms.LoadMatch(id)
			if err != nil {
				log().Warnw("could not load match", "matchId", id, "error", err)
				continue
			}
			if !yield(m.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllMatches iterates over every stored match.
func (ms *MatchStore) ListAllMatches() iter.Seq2[*Match, error] {
	return func(yield func(*Match, error) bool) {
		ids, _, err := ms.matchIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			m, err := ms.LoadMatch(id)
			if err != nil {
				log().Warnw("could not load match", "matchId", id, "error", err)
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}
