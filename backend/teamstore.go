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
	_ "embed"
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
	"github.com/jonboulle/clockwork"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

//go:embed teams.json
var seedTeams []byte

// Team is a catalog team as persisted by the store.
type Team struct {
	cricket.Team
	SchemaVersion int    `json:"schemaVersion"`
	OwnerID       string `json:"ownerId,omitempty"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`

	// Status can be "active" (default/empty) or "deleted"
	Status    string `json:"status,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (t *Team) normalize() {
	if t.SchemaVersion == 0 {
		t.SchemaVersion = CurrentSchemaVersion
	}
	if t.Players == nil {
		t.Players = make([]cricket.Player, 0)
	}
}

// Deleted reports whether the team is a tombstone.
func (t *Team) Deleted() bool {
	return t.Status == StatusDeleted
}

// Catalog maps team ids to the teams available for selection.
type Catalog map[string]cricket.Team

// Sorted returns the catalog teams ordered by name.
func (c Catalog) Sorted() []cricket.Team {
	out := make([]cricket.Team, 0, len(c))
	for _, t := range c {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b cricket.Team) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// validateTeam checks a team before it enters the catalog.
func validateTeam(t *Team) error {
	if !isValidSlug(t.ID) {
		return invalidf("invalid team id: %q", t.ID)
	}
	if t.Name == "" {
		return invalidf("team name is required")
	}
	if err := validateStringLen(t.Name, 100, "team name"); err != nil {
		return err
	}
	if err := validateStringLen(t.ShortName, 10, "short name"); err != nil {
		return err
	}
	seen := make(map[string]bool, len(t.Players))
	for _, p := range t.Players {
		if !isValidSlug(p.ID) {
			return invalidf("invalid player id: %q", p.ID)
		}
		if p.Name == "" {
			return invalidf("player %s has no name", p.ID)
		}
		if err := validateStringLen(p.Name, 100, "player name"); err != nil {
			return err
		}
		if seen[p.ID] {
			return invalidf("duplicate player id: %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// TeamStore manages team persistence to disk.
type TeamStore struct {
	DataDir string
	storage *storage.Storage
	clock   clockwork.Clock
	mu      sync.Map // *sync.Mutex per team id
}

// NewTeamStore creates a new TeamStore.
func NewTeamStore(dataDir string, s *storage.Storage, clock clockwork.Clock) *TeamStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TeamStore{
		DataDir: dataDir,
		storage: s,
		clock:   clock,
	}
}

func (ts *TeamStore) lock(id string) *sync.Mutex {
	m, _ := ts.mu.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func teamFile(id string) string {
	return filepath.Join("teams", url.PathEscape(id)+".json")
}

// SaveTeam saves the team data atomically.
func (ts *TeamStore) SaveTeam(t *Team) error {
	mutex := ts.lock(t.ID)
	mutex.Lock()
	defer mutex.Unlock()

	t.normalize()
	if t.UpdatedAt == 0 {
		t.UpdatedAt = ts.clock.Now().UnixNano()
	}
	if err := ts.storage.SaveDataFile(teamFile(t.ID), t); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// LoadTeam loads the team data by ID.
func (ts *TeamStore) LoadTeam(id string) (*Team, error) {
	var t Team
	if err := ts.storage.ReadDataFile(teamFile(id), &t); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if t.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("team %s has unsupported schema version %d", id, t.SchemaVersion)
	}
	t.normalize()
	return &t, nil
}

// ListAllTeams returns an iterator over all stored teams, tombstones
// included.
func (ts *TeamStore) ListAllTeams() iter.Seq2[*Team, error] {
	return func(yield func(*Team, error) bool) {
		files, err := os.ReadDir(filepath.Join(ts.DataDir, "teams"))
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read teams directory: %w", err))
			}
			return
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(f.Name(), ".json"))
			if err != nil {
				continue
			}
			t, err := ts.LoadTeam(id)
			if err != nil {
				log().Warnw("could not load team", "teamId", id, "error", err)
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// Catalog returns the active teams.
func (ts *TeamStore) Catalog() (Catalog, error) {
	c := make(Catalog)
	for t, err := range ts.ListAllTeams() {
		if err != nil {
			return nil, err
		}
		if t.Deleted() {
			continue
		}
		c[t.ID] = t.Team
	}
	return c, nil
}

// DeleteTeam overwrites the team with a tombstone.
func (ts *TeamStore) DeleteTeam(id string) error {
	t, err := ts.LoadTeam(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	mutex := ts.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	now := ts.clock.Now().UnixNano()
	tombstone := &Team{
		Team:          cricket.Team{ID: id, Players: []cricket.Player{}},
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       t.OwnerID,
		Status:        StatusDeleted,
		UpdatedAt:     now,
		DeletedAt:     now,
		LastRaftIndex: t.LastRaftIndex,
	}
	if err := ts.storage.SaveDataFile(teamFile(id), tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}
	return nil
}

// PurgeTeam permanently deletes the team file.
func (ts *TeamStore) PurgeTeam(id string) error {
	mutex := ts.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	if err := os.Remove(filepath.Join(ts.DataDir, teamFile(id))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge team file: %w", err)
	}
	return nil
}

// SeedTeams writes the built-in clubs when the catalog is empty. It returns
// the number of teams written.
func (ts *TeamStore) SeedTeams() (int, error) {
	for _, err := range ts.ListAllTeams() {
		if err != nil {
			return 0, err
		}
		return 0, nil
	}
	teams, err := builtinTeams()
	if err != nil {
		return 0, err
	}
	for _, t := range teams {
		if err := ts.SaveTeam(&Team{Team: t}); err != nil {
			return 0, err
		}
	}
	return len(teams), nil
}

func builtinTeams() ([]cricket.Team, error) {
	var teams []cricket.Team
	if err := json.Unmarshal(seedTeams, &teams); err != nil {
		return nil, fmt.Errorf("teams.json: %w", err)
	}
	return teams, nil
}
