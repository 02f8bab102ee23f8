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

package search

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Query
	}{
		{
			input: "harbour",
			want:  Query{FreeText: []string{"harbour"}},
		},
		{
			input: `venue:"Lord's Ground" format:T20`,
			want: Query{Filters: []Filter{
				{Key: "venue", Value: "Lord's Ground", Operator: OpEqual},
				{Key: "format", Value: "T20", Operator: OpEqual},
			}},
		},
		{
			input: "ground:oval vs:ridge",
			want: Query{Filters: []Filter{
				{Key: "venue", Value: "oval", Operator: OpEqual},
				{Key: "team", Value: "ridge", Operator: OpEqual},
			}},
		},
		{
			input: `date:>="2025-01-01"`,
			want: Query{Filters: []Filter{
				{Key: "date", Value: "2025-01-01", Operator: OpGreaterOrEqual},
			}},
		},
		{
			input: "date:<2026 DATE:>2024",
			want: Query{Filters: []Filter{
				{Key: "date", Value: "2026", Operator: OpLess},
				{Key: "date", Value: "2024", Operator: OpGreater},
			}},
		},
		{
			input: "date:2025-01..2025-03",
			want: Query{Filters: []Filter{
				{Key: "date", Value: "2025-01", MaxValue: "2025-03", Operator: OpRange},
			}},
		},
		{
			input: `final "day night" status:active`,
			want: Query{
				Filters:  []Filter{{Key: "status", Value: "active", Operator: OpEqual}},
				FreeText: []string{"final", "day night"},
			},
		},
		{
			input: "time:14:30",
			want:  Query{FreeText: []string{"time:14:30"}},
		},
		{
			input: `time:"14:30"`,
			want:  Query{Filters: []Filter{{Key: "time", Value: "14:30", Operator: OpEqual}}},
		},
		{
			input: "venue: :oval",
			want:  Query{FreeText: []string{"venue:", ":oval"}},
		},
	}

	for _, tt := range tests {
		got := Parse(tt.input)
		if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.input, diff)
		}
	}
}

func TestLower(t *testing.T) {
	q := Parse(`Harbour venue:"The OVAL" format:T20`).Lower("venue")
	if q.FreeText[0] != "harbour" {
		t.Errorf("free text = %q", q.FreeText[0])
	}
	if q.Filters[0].Value != "the oval" {
		t.Errorf("venue = %q", q.Filters[0].Value)
	}
	if q.Filters[1].Value != "T20" {
		t.Errorf("format should keep its case, got %q", q.Filters[1].Value)
	}
}

func TestMatchOrdered(t *testing.T) {
	tests := []struct {
		query string
		value string
		want  bool
	}{
		{"date:2025-03", "2025-03-14", true},
		{"date:2025-03", "2025-04-01", false},
		{"date:>=2025-03-14", "2025-03-14", true},
		{"date:>2025-03-14", "2025-03-14", false},
		{"date:<2025", "2024-12-31", true},
		{"date:<=2025-03", "2025-03-31", true},
		{"date:<=2025-03", "2025-04-01", false},
		{"date:2025-01..2025-02", "2025-02-28", true},
		{"date:2025-01..2025-02", "2025-03-01", false},
		{"date:2025-01..2025-02", "2024-12-31", false},
	}
	for _, tt := range tests {
		f := Parse(tt.query).Filters[0]
		if got := f.MatchOrdered(tt.value); got != tt.want {
			t.Errorf("%s on %s = %v, want %v", tt.query, tt.value, got, tt.want)
		}
	}
}
