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
	"cmp"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
	"github.com/ttbt-io/cricketscorer/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// Registry is the in-memory index of matches and the team catalog. It
// answers listing, quota and catalog queries without scanning files.
type Registry struct {
	matchStore *MatchStore
	teamStore  *TeamStore
	clock      clockwork.Clock

	mu sync.RWMutex

	// Metadata cache for sorting and filtering. Tombstones are cached
	// with Status="deleted".
	matchMetadata *lru.Cache[string, MatchMetadata]

	// userMatches maps a user id to the ids of matches they own or were
	// shared with. The empty user holds public matches.
	userMatches map[string]map[string]bool
	matchCount  int

	catalog Catalog

	// scorecards caches derived scorecards by match id and revision.
	scorecards *lru.Cache[string, cricket.Scorecard]

	accessPolicy *UserAccessPolicy

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry and indexes the stores.
func NewRegistry(ms *MatchStore, ts *TeamStore, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	mdCache, _ := lru.New[string, MatchMetadata](5000)
	scCache, _ := lru.New[string, cricket.Scorecard](500)
	r := &Registry{
		matchStore:    ms,
		teamStore:     ts,
		clock:         clock,
		matchMetadata: mdCache,
		userMatches:   make(map[string]map[string]bool),
		catalog:       make(Catalog),
		scorecards:    scCache,
		stopChan:      make(chan struct{}),
	}
	r.Rebuild()
	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	ticker := r.clock.NewTicker(gcInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

func (r *Registry) tombstoneCutoff() int64 {
	return r.clock.Now().Add(-tombstoneTTL).UnixNano()
}

// PurgeOldTombstones permanently deletes expired tombstones from disk and
// returns the number of matches and teams purged.
func (r *Registry) PurgeOldTombstones() (matches, teams int) {
	cutoff := r.tombstoneCutoff()

	for t, err := range r.teamStore.ListAllTeams() {
		if err == nil && t.Deleted() && t.DeletedAt > 0 && t.DeletedAt < cutoff {
			if err := r.teamStore.PurgeTeam(t.ID); err == nil {
				teams++
			}
		}
	}
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err == nil && m.Status == StatusDeleted && m.DeletedAt > 0 && m.DeletedAt < cutoff {
			if err := r.matchStore.PurgeMatch(m.ID); err == nil {
				r.matchMetadata.Remove(m.ID)
				matches++
			}
		}
	}
	if matches > 0 || teams > 0 {
		log().Infow("registry GC complete", "matchesPurged", matches, "teamsPurged", teams)
	}
	return matches, teams
}

// Rebuild reconstructs the index by scanning the underlying stores.
func (r *Registry) Rebuild() {
	catalog, err := r.teamStore.Catalog()
	if err != nil {
		log().Errorw("registry: error listing teams", "error", err)
		catalog = make(Catalog)
	}

	r.mu.Lock()
	r.catalog = catalog
	r.userMatches = make(map[string]map[string]bool)
	r.matchCount = 0
	r.mu.Unlock()
	r.matchMetadata.Purge()

	cutoff := r.tombstoneCutoff()
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil {
			log().Errorw("registry: error listing matches", "error", err)
			break
		}
		if m.Status == StatusDeleted && m.DeletedAt > 0 && m.DeletedAt < cutoff {
			r.matchStore.PurgeMatch(m.ID)
			continue
		}
		r.indexMatch(m)
	}
	log().Infow("registry rebuilt", "matches", r.CountTotalMatches(), "teams", len(catalog))
}

// matchUsers returns the users with direct access to a match.
func matchUsers(m MatchMetadata) map[string]bool {
	users := make(map[string]bool)
	if m.Status == StatusDeleted {
		return users
	}
	if m.OwnerID != "" {
		users[normalizeEmail(m.OwnerID)] = true
	}
	for u := range m.Permissions.Users {
		users[normalizeEmail(u)] = true
	}
	if m.Permissions.Public == "read" {
		users[""] = true
	}
	return users
}

func (r *Registry) indexMatch(m MatchMetadata) {
	prev, hadPrev := r.matchMetadata.Peek(m.ID)
	r.matchMetadata.Add(m.ID, m)

	r.mu.Lock()
	defer r.mu.Unlock()
	for u := range r.userMatches {
		delete(r.userMatches[u], m.ID)
	}
	for u := range matchUsers(m) {
		set, ok := r.userMatches[u]
		if !ok {
			set = make(map[string]bool)
			r.userMatches[u] = set
		}
		set[m.ID] = true
	}

	wasLive := hadPrev && prev.Status != StatusDeleted
	isLive := m.Status != StatusDeleted
	switch {
	case isLive && !wasLive:
		r.matchCount++
	case !isLive && wasLive:
		r.matchCount--
	}
}

// UpdateMatch re-indexes a match after it changed.
func (r *Registry) UpdateMatch(m Match) {
	r.indexMatch(m.Metadata())
}

// DeleteMatch records a tombstone for the match.
func (r *Registry) DeleteMatch(id string) {
	now := r.clock.Now().UnixNano()
	md := MatchMetadata{ID: id, Status: StatusDeleted, UpdatedAt: now, DeletedAt: now}
	if prev, ok := r.getMeta(id); ok {
		md.OwnerID = prev.OwnerID
	}
	r.indexMatch(md)
}

func (r *Registry) getMeta(id string) (MatchMetadata, bool) {
	if m, ok := r.matchMetadata.Get(id); ok {
		return m, true
	}
	m, err := r.matchStore.LoadMatch(id)
	if err != nil {
		return MatchMetadata{}, false
	}
	md := m.Metadata()
	r.matchMetadata.Add(id, md)
	return md, true
}

// IsMatchDeleted reports whether the match is a tombstone.
func (r *Registry) IsMatchDeleted(id string) bool {
	m, ok := r.getMeta(id)
	return ok && m.Status == StatusDeleted
}

// MatchExists reports whether a live match with the id exists.
func (r *Registry) MatchExists(id string) bool {
	m, ok := r.getMeta(id)
	return ok && m.Status != StatusDeleted
}

// CountTotalMatches returns the number of live matches.
func (r *Registry) CountTotalMatches() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchCount
}

func (r *Registry) userMatchIDs(userId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := slices.Collect(maps.Keys(r.userMatches[normalizeEmail(userId)]))
	if userId != "" {
		for id := range r.userMatches[""] {
			if !r.userMatches[normalizeEmail(userId)][id] {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// CountOwnedMatches returns the number of live matches owned by the user.
func (r *Registry) CountOwnedMatches(userId string) int {
	userId = normalizeEmail(userId)
	if userId == "" {
		return 0
	}
	count := 0
	for _, id := range r.userMatchIDs(userId) {
		if m, ok := r.getMeta(id); ok && m.Status != StatusDeleted && normalizeEmail(m.OwnerID) == userId {
			count++
		}
	}
	return count
}

// LatestMatchFor returns the most recently updated match the user can
// score.
func (r *Registry) LatestMatchFor(userId string) (MatchMetadata, bool) {
	userId = normalizeEmail(userId)
	if userId == "" {
		return MatchMetadata{}, false
	}
	var latest MatchMetadata
	found := false
	for _, id := range r.userMatchIDs(userId) {
		m, ok := r.getMeta(id)
		if !ok || m.Status == StatusDeleted {
			continue
		}
		if normalizeEmail(m.OwnerID) != userId && m.Permissions.Users[userId] != "write" {
			continue
		}
		if !found || m.UpdatedAt > latest.UpdatedAt || (m.UpdatedAt == latest.UpdatedAt && m.ID > latest.ID) {
			latest, found = m, true
		}
	}
	return latest, found
}

// ListMatches returns the ids of live matches visible to the user that
// satisfy query, sorted by sortBy ("date", "venue" or "updated").
func (r *Registry) ListMatches(userId, sortBy, order, query string) []string {
	if sortBy == "" {
		sortBy = "date"
	}
	if order == "" {
		if sortBy == "venue" {
			order = "asc"
		} else {
			order = "desc"
		}
	}
	q := search.Parse(query).Lower("venue", "team", "format", "status")
	catalog := r.Catalog()

	var metas []MatchMetadata
	for _, id := range r.userMatchIDs(userId) {
		m, ok := r.getMeta(id)
		if !ok || m.Status == StatusDeleted || !matchesQuery(m, catalog, q) {
			continue
		}
		metas = append(metas, m)
	}

	key := func(m MatchMetadata) string {
		switch sortBy {
		case "venue":
			return strings.ToLower(m.Venue)
		case "updated":
			return time.Unix(0, m.UpdatedAt).UTC().Format(time.RFC3339Nano)
		}
		return m.Date + " " + m.Time
	}
	slices.SortFunc(metas, func(a, b MatchMetadata) int {
		c := cmp.Or(cmp.Compare(key(a), key(b)), cmp.Compare(a.ID, b.ID))
		if order == "desc" {
			return -c
		}
		return c
	})

	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	return ids
}

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

func matchesQuery(m MatchMetadata, catalog Catalog, q search.Query) bool {
	teamMatches := func(token string) bool {
		for _, id := range []string{m.HomeTeamID, m.AwayTeamID} {
			t := catalog[id]
			if containsLower(id, token) || containsLower(t.Name, token) || containsLower(t.ShortName, token) {
				return true
			}
		}
		return false
	}
	for _, token := range q.FreeText {
		if !containsLower(m.Venue, token) && !containsLower(m.Format, token) && !teamMatches(token) {
			return false
		}
	}
	for _, f := range q.Filters {
		var ok bool
		switch f.Key {
		case "venue":
			ok = containsLower(m.Venue, f.Value)
		case "team":
			ok = teamMatches(f.Value)
		case "format":
			ok = strings.ToLower(m.Format) == f.Value
		case "status":
			ok = m.Status == f.Value
		case "date":
			ok = f.MatchOrdered(m.Date)
		default:
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}

// Catalog returns a copy of the active teams.
func (r *Registry) Catalog() Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.catalog)
}

// Team returns an active catalog team.
func (r *Registry) Team(id string) (cricket.Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.catalog[id]
	return t, ok
}

// UpdateTeam refreshes a team in the catalog.
func (r *Registry) UpdateTeam(t Team) {
	defer r.scorecards.Purge()
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Deleted() {
		delete(r.catalog, t.ID)
		return
	}
	r.catalog[t.ID] = t.Team
}

// DeleteTeam removes a team from the catalog.
func (r *Registry) DeleteTeam(id string) {
	defer r.scorecards.Purge()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.catalog, id)
}

// Scorecard derives the scorecard of a match, reusing the cached result for
// an unchanged revision.
func (r *Registry) Scorecard(m *Match) cricket.Scorecard {
	if m.Details == nil {
		return cricket.Scorecard{}
	}
	key := m.ID + "@" + m.Revision()
	if sc, ok := r.scorecards.Get(key); ok {
		return sc
	}
	sc := cricket.Derive(*m.Details, r.Catalog().Sorted(), m.Balls)
	r.scorecards.Add(key, sc)
	return sc
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}
