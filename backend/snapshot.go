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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const maxSnapshotEntrySize = 10 * 1024 * 1024

type snapshotManifest struct {
	NodeMap   map[string]*NodeMeta `json:"nodeMap"`
	RaftIndex uint64               `json:"raftIndex"`
}

// persist writes the FSM state as a gzipped tar stream: a manifest, the
// access policy, then one entry per match and team, tombstones included.
func (f *FSM) persist(sink io.WriteCloser) error {
	defer sink.Close()

	gw := gzip.NewWriter(sink)
	tw := tar.NewWriter(gw)

	manifest, err := json.Marshal(snapshotManifest{
		NodeMap:   f.nodes(),
		RaftIndex: f.LastAppliedIndex(),
	})
	if err != nil {
		return err
	}
	if err := writeFileToTar(tw, "manifest.json", manifest); err != nil {
		return err
	}
	if policy := f.r.GetAccessPolicy(); policy != nil {
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		if err := writeFileToTar(tw, "policy.json", data); err != nil {
			return err
		}
	}

	ids, _, err := f.ms.matchIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		m, err := f.ms.LoadMatch(id)
		if err != nil {
			log().Warnw("snapshot: failed to load match", "matchId", id, "error", err)
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := writeFileToTar(tw, "matches/"+id+".json", data); err != nil {
			return err
		}
	}

	for t, err := range f.ts.ListAllTeams() {
		if err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := writeFileToTar(tw, "teams/"+t.ID+".json", data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// restore replaces the stores with the content of a snapshot. Matches and
// teams absent from the snapshot are purged.
func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	processedMatches := make(map[string]bool)
	processedTeams := make(map[string]bool)
	var policy *UserAccessPolicy

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if header.Size > maxSnapshotEntrySize {
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}
		dec := json.NewDecoder(tr)

		switch {
		case header.Name == "manifest.json":
			var manifest snapshotManifest
			if err := dec.Decode(&manifest); err != nil {
				return fmt.Errorf("snapshot manifest: %w", err)
			}
			f.nodeMap.Clear()
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			f.lastAppliedIndex.Store(manifest.RaftIndex)
		case header.Name == "policy.json":
			policy = &UserAccessPolicy{}
			if err := dec.Decode(policy); err != nil {
				return fmt.Errorf("snapshot policy: %w", err)
			}
		case strings.HasPrefix(header.Name, "matches/"):
			var m Match
			if err := dec.Decode(&m); err != nil {
				log().Warnw("restore: skipping malformed match", "entry", header.Name, "error", err)
				continue
			}
			if !isValidUUID(m.ID) {
				continue
			}
			processedMatches[m.ID] = true
			if err := f.ms.SaveMatch(&m); err != nil {
				return err
			}
		case strings.HasPrefix(header.Name, "teams/"):
			var t Team
			if err := dec.Decode(&t); err != nil {
				log().Warnw("restore: skipping malformed team", "entry", header.Name, "error", err)
				continue
			}
			if !isValidSlug(t.ID) {
				continue
			}
			processedTeams[t.ID] = true
			if err := f.ts.SaveTeam(&t); err != nil {
				return err
			}
		}
	}
	f.saveNodes()

	if policy != nil {
		if f.storage != nil {
			if err := f.storage.SaveDataFile(accessPolicyFile, policy); err != nil {
				return err
			}
		}
		f.r.UpdateAccessPolicy(policy)
	} else {
		f.r.UpdateAccessPolicy(nil)
		if f.storage != nil {
			if err := os.Remove(filepath.Join(f.storage.Dir(), accessPolicyFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
				log().Warnw("restore: failed to remove access policy", "error", err)
			}
		}
	}

	ids, _, err := f.ms.matchIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !processedMatches[id] {
			f.ms.PurgeMatch(id)
			f.hm.EvictMatch(id)
		}
	}
	for t, err := range f.ts.ListAllTeams() {
		if err == nil && !processedTeams[t.ID] {
			f.ts.PurgeTeam(t.ID)
		}
	}
	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
