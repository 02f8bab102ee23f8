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
	"testing"

	"github.com/ttbt-io/cricketscorer/backend/search"
)

// FuzzValidateAction tests ValidateAction with arbitrary byte slices to ensure no panics.
func FuzzValidateAction(f *testing.F) {
	f.Add([]byte(`{"id": "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa", "type": "BALL", "payload": {"runs": 4, "extraType": "wide"}}`))
	f.Add([]byte(`{"id": "aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa", "type": "MATCH_SETUP", "payload": {"match": {"squads": {"a": ["b"]}}}}`))
	f.Add([]byte(`invalid json`))
	f.Add([]byte(`{}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		_ = ValidateAction(json.RawMessage(data))
	})
}

// FuzzReplay checks that replaying arbitrary action logs never panics.
func FuzzReplay(f *testing.F) {
	f.Add([]byte(`[{"id":"aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa","type":"UNDO_BALL"}]`))
	f.Add([]byte(`[{"type":"BALL","payload":null}]`))
	f.Fuzz(func(t *testing.T, data []byte) {
		var actions []json.RawMessage
		if json.Unmarshal(data, &actions) != nil {
			return
		}
		_, _ = Replay("aaaaaaaa-aaaa-4aaa-aaaa-aaaaaaaaaaaa", actions)
	})
}

// FuzzSearchParse tests the match search parser with arbitrary queries.
func FuzzSearchParse(f *testing.F) {
	f.Add("venue:oval date:2025-06..2025-07 hawks")
	f.Add(`"quoted venue" vs:"ridge rovers" balls:>=6`)
	f.Add(`:::..>`)
	f.Fuzz(func(t *testing.T, q string) {
		_ = search.Parse(q)
	})
}
