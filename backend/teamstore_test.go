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
	"os"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

func TestTeamStore_Seed(t *testing.T) {
	dir := t.TempDir()
	ts := NewTeamStore(dir, storage.New(dir, nil), nil)

	n, err := ts.SeedTeams()
	if err != nil {
		t.Fatalf("SeedTeams failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 seeded teams, got %d", n)
	}
	// A populated catalog is left alone.
	if n, err := ts.SeedTeams(); err != nil || n != 0 {
		t.Errorf("Expected second seed to be a no-op, got %d, %v", n, err)
	}

	catalog, err := ts.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	sorted := catalog.Sorted()
	want := []string{"Coastal Comets", "Harbour Hawks", "Ridge Rovers", "Valley Vipers"}
	if len(sorted) != len(want) {
		t.Fatalf("Expected %d teams, got %d", len(want), len(sorted))
	}
	for i, name := range want {
		if sorted[i].Name != name {
			t.Errorf("Expected team %d to be %s, got %s", i, name, sorted[i].Name)
		}
	}
	for _, team := range sorted {
		if len(team.Players) < cricket.MaxSquadSize {
			t.Errorf("Expected at least %d players in %s, got %d", cricket.MaxSquadSize, team.Name, len(team.Players))
		}
		if err := validateTeam(&Team{Team: team}); err != nil {
			t.Errorf("Seeded team %s is invalid: %v", team.ID, err)
		}
	}
}

func TestTeamStore_SaveDeletePurge(t *testing.T) {
	st := newTestStores(t)
	team := &Team{
		Team: cricket.Team{
			ID:        "north-stars",
			Name:      "North Stars",
			ShortName: "NS",
			Players:   []cricket.Player{{ID: "ns-amy-cole", Name: "Amy Cole"}},
		},
		OwnerID: testScorer,
	}
	if err := st.ts.SaveTeam(team); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}
	loaded, err := st.ts.LoadTeam("north-stars")
	if err != nil {
		t.Fatalf("LoadTeam failed: %v", err)
	}
	if loaded.Name != "North Stars" || loaded.OwnerID != testScorer {
		t.Errorf("Unexpected team: %+v", loaded)
	}
	if loaded.UpdatedAt != testStart.UnixNano() {
		t.Errorf("Expected UpdatedAt from the fake clock, got %d", loaded.UpdatedAt)
	}

	if err := st.ts.DeleteTeam("north-stars"); err != nil {
		t.Fatalf("DeleteTeam failed: %v", err)
	}
	tomb, err := st.ts.LoadTeam("north-stars")
	if err != nil {
		t.Fatalf("LoadTeam of tombstone failed: %v", err)
	}
	if !tomb.Deleted() || tomb.OwnerID != testScorer || len(tomb.Players) != 0 {
		t.Errorf("Unexpected tombstone: %+v", tomb)
	}
	catalog, err := st.ts.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if _, ok := catalog["north-stars"]; ok {
		t.Error("Expected deleted team to be excluded from the catalog")
	}

	if err := st.ts.PurgeTeam("north-stars"); err != nil {
		t.Fatalf("PurgeTeam failed: %v", err)
	}
	if _, err := st.ts.LoadTeam("north-stars"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected os.ErrNotExist, got %v", err)
	}
	if err := st.ts.DeleteTeam("north-stars"); err != nil {
		t.Errorf("DeleteTeam of unknown team failed: %v", err)
	}
}

func TestValidateTeam(t *testing.T) {
	players := func(ids ...string) []cricket.Player {
		var out []cricket.Player
		for _, id := range ids {
			out = append(out, cricket.Player{ID: id, Name: id})
		}
		return out
	}
	tests := []struct {
		name    string
		team    cricket.Team
		wantErr bool
	}{
		{"valid", cricket.Team{ID: "a-team", Name: "A", Players: players("a-1", "a-2")}, false},
		{"bad id", cricket.Team{ID: "A Team", Name: "A"}, true},
		{"no name", cricket.Team{ID: "a-team"}, true},
		{"long short name", cricket.Team{ID: "a-team", Name: "A", ShortName: "ABCDEFGHIJK"}, true},
		{"duplicate player", cricket.Team{ID: "a-team", Name: "A", Players: players("a-1", "a-1")}, true},
		{"unnamed player", cricket.Team{ID: "a-team", Name: "A", Players: []cricket.Player{{ID: "a-1"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTeam(&Team{Team: tt.team})
			if (err != nil) != tt.wantErr {
				t.Errorf("validateTeam() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}
