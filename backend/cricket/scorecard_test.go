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

package cricket

import (
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testTeams() []Team {
	return []Team{
		{ID: "harbour", Name: "Harbour XI", Players: []Player{
			{ID: "h1", Name: "Hal One"},
			{ID: "h2", Name: "Hal Two"},
			{ID: "h3", Name: "Hal Three"},
		}},
		{ID: "ridge", Name: "Ridge CC", Players: []Player{
			{ID: "r1", Name: "Rae One"},
			{ID: "r2", Name: "Rae Two"},
			{ID: "r3", Name: "Rae Three"},
		}},
	}
}

func testDetails() MatchDetails {
	return MatchDetails{
		Format:   FormatT20,
		Venue:    "Riverside Oval",
		Date:     "2025-06-01",
		Time:     "14:30",
		HomeTeam: "harbour",
		AwayTeam: "ridge",
		Squads: map[string][]string{
			"harbour": {"h1", "h2"},
			"ridge":   {"r1", "r2", "r3"},
		},
		TossWinner: "harbour",
		TossChoice: TossBowl,
	}
}

func testInnings() []BallEvent {
	return []BallEvent{
		{Runs: 4, StrikerID: "r1", BowlerID: "h1"},
		{Runs: 0, ExtraType: ExtraWide, BowlerID: "h1"},
		{Runs: 1, ExtraType: ExtraBye, StrikerID: "r1", BowlerID: "h1"},
		{Runs: 0, IsWicket: true, WicketType: WicketBowled, StrikerID: "r1", BowlerID: "h1"},
		{Runs: 6, StrikerID: "r2", BowlerID: "h2"},
		{Runs: 2, ExtraType: ExtraNoBall, StrikerID: "r2", BowlerID: "h2"},
		{Runs: 1, StrikerID: "r2", BowlerID: "h2"},
		{Runs: 0, IsWicket: true, WicketType: WicketRunOut, BatterOut: "r3", StrikerID: "r2", BowlerID: "h2"},
		{Runs: 3, StrikerID: "r2", BowlerID: "h1"},
	}
}

func TestBattingTeamID(t *testing.T) {
	for _, tc := range []struct {
		winner, choice string
		bat, bowl      string
	}{
		{"harbour", TossBat, "harbour", "ridge"},
		{"harbour", TossBowl, "ridge", "harbour"},
		{"ridge", TossBat, "ridge", "harbour"},
		{"ridge", TossBowl, "harbour", "ridge"},
	} {
		d := MatchDetails{HomeTeam: "harbour", AwayTeam: "ridge", TossWinner: tc.winner, TossChoice: tc.choice}
		if got := d.BattingTeamID(); got != tc.bat {
			t.Errorf("BattingTeamID(%s, %s) = %q, want %q", tc.winner, tc.choice, got, tc.bat)
		}
		if got := d.BowlingTeamID(); got != tc.bowl {
			t.Errorf("BowlingTeamID(%s, %s) = %q, want %q", tc.winner, tc.choice, got, tc.bowl)
		}
	}
}

func TestBallEventAccounting(t *testing.T) {
	for _, tc := range []struct {
		ball                          BallEvent
		legal, faced                  bool
		total, batter, bowler, labelN string
	}{
		{BallEvent{Runs: 4}, true, true, "4", "4", "4", "4"},
		{BallEvent{Runs: 0, ExtraType: ExtraWide}, false, false, "1", "0", "1", "0"},
		{BallEvent{Runs: 2, ExtraType: ExtraNoBall}, false, true, "3", "2", "3", "2"},
		{BallEvent{Runs: 1, ExtraType: ExtraBye}, true, true, "1", "0", "0", "1"},
		{BallEvent{Runs: 2, ExtraType: ExtraLegBye}, true, true, "2", "0", "0", "2"},
		{BallEvent{Runs: 0, IsWicket: true, WicketType: WicketCaught}, true, true, "0", "0", "0", "W"},
	} {
		b := tc.ball
		if b.IsLegal() != tc.legal {
			t.Errorf("%+v IsLegal = %v", b, b.IsLegal())
		}
		if b.FacedByBatter() != tc.faced {
			t.Errorf("%+v FacedByBatter = %v", b, b.FacedByBatter())
		}
		if got := strconv.Itoa(b.TotalRuns()); got != tc.total {
			t.Errorf("%+v TotalRuns = %s, want %s", b, got, tc.total)
		}
		if got := strconv.Itoa(b.BatterRuns()); got != tc.batter {
			t.Errorf("%+v BatterRuns = %s, want %s", b, got, tc.batter)
		}
		if got := strconv.Itoa(b.BowlerRuns()); got != tc.bowler {
			t.Errorf("%+v BowlerRuns = %s, want %s", b, got, tc.bowler)
		}
		if got := b.Label(); got != tc.labelN {
			t.Errorf("%+v Label = %s, want %s", b, got, tc.labelN)
		}
	}
	if (BallEvent{IsWicket: true, WicketType: WicketRunOut}).BowlerWicket() {
		t.Error("run out credited to bowler")
	}
}

func TestFormatHelpers(t *testing.T) {
	for balls, want := range map[int]string{0: "0.0", 5: "0.5", 6: "1.0", 14: "2.2", 120: "20.0"} {
		if got := FormatOvers(balls); got != want {
			t.Errorf("FormatOvers(%d) = %q, want %q", balls, got, want)
		}
	}
	if got := FormatRate(StrikeRate(7, 0)); got != "0.00" {
		t.Errorf("strike rate with no balls = %q", got)
	}
	if got := FormatRate(Economy(10, 0)); got != "0.00" {
		t.Errorf("economy with no balls = %q", got)
	}
	if got := FormatRate(StrikeRate(1, 3)); got != "33.33" {
		t.Errorf("StrikeRate(1,3) = %q", got)
	}
	if got := FormatRate(Economy(9, 4)); got != "13.50" {
		t.Errorf("Economy(9,4) = %q", got)
	}
}

func TestDeriveEmptyInnings(t *testing.T) {
	sc := Derive(testDetails(), testTeams(), nil)
	if sc.Summary.BattingTeamID != "ridge" || sc.Summary.BowlingTeamName != "Harbour XI" {
		t.Fatalf("unexpected sides: %+v", sc.Summary)
	}
	if sc.Summary.Score() != "0/0" || sc.Summary.Overs != "0.0" || sc.Summary.RunRate != "0.00" {
		t.Errorf("unexpected summary: %+v", sc.Summary)
	}
	if len(sc.Batting) != 3 || len(sc.Bowling) != 2 {
		t.Fatalf("batting=%d bowling=%d", len(sc.Batting), len(sc.Bowling))
	}
	for _, l := range sc.Batting {
		if l.StrikeRate != "0.00" || l.Status() != "Not Out" {
			t.Errorf("unexpected batter line %+v", l)
		}
	}
	if len(sc.Breakdown) != 0 || len(sc.Recent) != 0 || len(sc.Overs) != 0 {
		t.Errorf("expected empty collections: %+v", sc)
	}
	if sc.StrikerID != "r1" || sc.NonStrikerID != "r2" {
		t.Errorf("crease = %s/%s", sc.StrikerID, sc.NonStrikerID)
	}
}

func TestDeriveInnings(t *testing.T) {
	sc := Derive(testDetails(), testTeams(), testInnings())

	wantSummary := Summary{
		BattingTeamID:   "ridge",
		BattingTeamName: "Ridge CC",
		BowlingTeamID:   "harbour",
		BowlingTeamName: "Harbour XI",
		Runs:            19,
		Wickets:         2,
		LegalBalls:      7,
		Overs:           "1.1",
		RunRate:         "16.29",
		Extras:          3,
	}
	if diff := cmp.Diff(wantSummary, sc.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	wantBatting := []BatterLine{
		{PlayerID: "r1", Name: "Rae One", Runs: 4, Balls: 3, Fours: 1, StrikeRate: "133.33", Out: true, HowOut: WicketBowled},
		{PlayerID: "r2", Name: "Rae Two", Runs: 12, Balls: 5, Sixes: 1, StrikeRate: "240.00"},
		{PlayerID: "r3", Name: "Rae Three", StrikeRate: "0.00", Out: true, HowOut: WicketRunOut},
	}
	if diff := cmp.Diff(wantBatting, sc.Batting); diff != "" {
		t.Errorf("batting mismatch (-want +got):\n%s", diff)
	}

	wantBowling := []BowlerLine{
		{PlayerID: "h1", Name: "Hal One", Balls: 4, Overs: "0.4", Runs: 8, Wickets: 1, Economy: "12.00"},
		{PlayerID: "h2", Name: "Hal Two", Balls: 3, Overs: "0.3", Runs: 10, Economy: "20.00"},
	}
	if diff := cmp.Diff(wantBowling, sc.Bowling); diff != "" {
		t.Errorf("bowling mismatch (-want +got):\n%s", diff)
	}

	wantBreakdown := []Slice{
		{"Dots", 2}, {"1s", 1}, {"3s", 1}, {"4s", 1}, {"6s", 1}, {"Extras", 3},
	}
	if diff := cmp.Diff(wantBreakdown, sc.Breakdown); diff != "" {
		t.Errorf("breakdown mismatch (-want +got):\n%s", diff)
	}

	wantRecent := []Delivery{
		{Label: "W", Wicket: true},
		{Label: "6"},
		{Label: "2", Extra: ExtraNoBall},
		{Label: "1"},
		{Label: "W", Wicket: true},
		{Label: "3"},
	}
	if diff := cmp.Diff(wantRecent, sc.Recent); diff != "" {
		t.Errorf("recent mismatch (-want +got):\n%s", diff)
	}

	if len(sc.Overs) != 2 {
		t.Fatalf("overs = %d, want 2", len(sc.Overs))
	}
	if o := sc.Overs[0]; o.Number != 1 || o.Runs != 16 || o.Wickets != 2 || len(o.Deliveries) != 8 {
		t.Errorf("first over = %+v", o)
	}
	if o := sc.Overs[1]; o.Number != 2 || o.Runs != 3 || len(o.Deliveries) != 1 {
		t.Errorf("second over = %+v", o)
	}

	if sc.StrikerID != "r2" || sc.NonStrikerID != "" {
		t.Errorf("crease = %q/%q", sc.StrikerID, sc.NonStrikerID)
	}
}

func TestDeriveFallsBackToFirstPlayers(t *testing.T) {
	d := testDetails()
	d.Squads = nil
	balls := []BallEvent{{Runs: 2}, {Runs: 1, ExtraType: ExtraLegBye}, {Runs: 0, IsWicket: true, WicketType: WicketCaught}}
	sc := Derive(d, testTeams(), balls)

	if len(sc.Bowling) != 3 {
		t.Fatalf("bowling rows = %d, want the three-player roster", len(sc.Bowling))
	}
	first := sc.Batting[0]
	if first.Runs != 2 || first.Balls != 3 || !first.Out || first.HowOut != WicketCaught {
		t.Errorf("first batter = %+v", first)
	}
	bowler := sc.Bowling[0]
	if bowler.Runs != 2 || bowler.Balls != 3 || bowler.Wickets != 1 {
		t.Errorf("first bowler = %+v", bowler)
	}
	if sc.StrikerID != "r2" || sc.NonStrikerID != "r3" {
		t.Errorf("crease = %q/%q", sc.StrikerID, sc.NonStrikerID)
	}
}

func TestDeriveDefaultSquadIsFirstEleven(t *testing.T) {
	roster := func(prefix string) []Player {
		var ps []Player
		for i := 1; i <= 13; i++ {
			id := prefix + strconv.Itoa(i)
			ps = append(ps, Player{ID: id, Name: "Player " + id})
		}
		return ps
	}
	teams := []Team{
		{ID: "harbour", Name: "Harbour XI", Players: roster("h")},
		{ID: "ridge", Name: "Ridge CC", Players: roster("r")},
	}
	d := testDetails()
	d.Squads = nil
	sc := Derive(d, teams, []BallEvent{{Runs: 1}})

	if len(sc.Batting) != MaxSquadSize || len(sc.Bowling) != MaxSquadSize {
		t.Fatalf("rows = %d batting, %d bowling, want %d each", len(sc.Batting), len(sc.Bowling), MaxSquadSize)
	}
	if last := sc.Batting[MaxSquadSize-1].PlayerID; last != "r11" {
		t.Errorf("last batter = %q, want r11", last)
	}
	if xi := XI(d, teams[0]); len(xi) != MaxSquadSize || xi[0].ID != "h1" {
		t.Errorf("XI = %+v", xi)
	}
}

func TestRecentWindow(t *testing.T) {
	var balls []BallEvent
	for i := 0; i < 10; i++ {
		balls = append(balls, BallEvent{Runs: i % 5})
	}
	sc := Derive(testDetails(), testTeams(), balls)
	if len(sc.Recent) != recentWindow {
		t.Fatalf("recent = %d", len(sc.Recent))
	}
	if sc.Recent[0].Label != "4" || sc.Recent[5].Label != "4" {
		t.Errorf("recent labels = %+v", sc.Recent)
	}
}
