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

import "fmt"

// Summary is the headline score of the innings.
type Summary struct {
	BattingTeamID   string `json:"battingTeamId"`
	BattingTeamName string `json:"battingTeamName"`
	BowlingTeamID   string `json:"bowlingTeamId"`
	BowlingTeamName string `json:"bowlingTeamName"`
	Runs            int    `json:"runs"`
	Wickets         int    `json:"wickets"`
	LegalBalls      int    `json:"legalBalls"`
	Overs           string `json:"overs"`
	RunRate         string `json:"runRate"`
	Extras          int    `json:"extras"`
}

// Score renders the summary as "runs/wickets".
func (s Summary) Score() string {
	return fmt.Sprintf("%d/%d", s.Runs, s.Wickets)
}

// BatterLine is one row of the batting table.
type BatterLine struct {
	PlayerID   string `json:"playerId"`
	Name       string `json:"name"`
	Runs       int    `json:"runs"`
	Balls      int    `json:"balls"`
	Fours      int    `json:"fours"`
	Sixes      int    `json:"sixes"`
	StrikeRate string `json:"strikeRate"`
	Out        bool   `json:"out"`
	HowOut     string `json:"howOut,omitempty"`
}

// Status renders the dismissal state.
func (b BatterLine) Status() string {
	if b.Out {
		return "Out"
	}
	return "Not Out"
}

// BowlerLine is one row of the bowling table.
type BowlerLine struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Balls    int    `json:"balls"`
	Overs    string `json:"overs"`
	Runs     int    `json:"runs"`
	Wickets  int    `json:"wickets"`
	Economy  string `json:"economy"`
}

// Slice is a bucket of the runs breakdown.
type Slice struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// Delivery is a ball rendered for the over summary.
type Delivery struct {
	Label  string `json:"label"`
	Extra  string `json:"extra,omitempty"`
	Wicket bool   `json:"wicket,omitempty"`
}

// Over aggregates the deliveries of one over.
type Over struct {
	Number     int        `json:"number"`
	Runs       int        `json:"runs"`
	Wickets    int        `json:"wickets"`
	Deliveries []Delivery `json:"deliveries"`
}

// Scorecard is everything the scoring and dashboard screens display.
type Scorecard struct {
	Summary      Summary      `json:"summary"`
	Batting      []BatterLine `json:"batting"`
	Bowling      []BowlerLine `json:"bowling"`
	Breakdown    []Slice      `json:"breakdown"`
	Recent       []Delivery   `json:"recent"`
	Overs        []Over       `json:"overs"`
	StrikerID    string       `json:"strikerId,omitempty"`
	NonStrikerID string       `json:"nonStrikerId,omitempty"`
}

// recentWindow is the number of deliveries shown in the over summary strip.
const recentWindow = 6

// XI returns the players fielded by team, in squad order. A team without a
// squad selection fields the first MaxSquadSize players of its roster.
func XI(d MatchDetails, t Team) []Player {
	ids := d.Squads[t.ID]
	if len(ids) == 0 {
		return append([]Player(nil), t.Players[:min(len(t.Players), MaxSquadSize)]...)
	}
	out := make([]Player, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.PlayerByID(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Derive computes the scorecard of the innings described by balls.
func Derive(d MatchDetails, teams []Team, balls []BallEvent) Scorecard {
	byID := make(map[string]Team, len(teams))
	for _, t := range teams {
		byID[t.ID] = t
	}
	batting := byID[d.BattingTeamID()]
	bowling := byID[d.BowlingTeamID()]
	batters := XI(d, batting)
	bowlers := XI(d, bowling)

	sc := Scorecard{
		Summary: Summary{
			BattingTeamID:   d.BattingTeamID(),
			BattingTeamName: batting.Name,
			BowlingTeamID:   d.BowlingTeamID(),
			BowlingTeamName: bowling.Name,
		},
		Batting:   make([]BatterLine, len(batters)),
		Bowling:   make([]BowlerLine, len(bowlers)),
		Breakdown: []Slice{},
		Recent:    []Delivery{},
		Overs:     []Over{},
	}
	batIdx := make(map[string]int, len(batters))
	for i, p := range batters {
		batIdx[p.ID] = i
		sc.Batting[i] = BatterLine{PlayerID: p.ID, Name: p.Name}
	}
	bowlIdx := make(map[string]int, len(bowlers))
	for i, p := range bowlers {
		bowlIdx[p.ID] = i
		sc.Bowling[i] = BowlerLine{PlayerID: p.ID, Name: p.Name}
	}

	var dots, ones, twos, threes, fours, sixes, extras int
	var current *Over

	for _, b := range balls {
		s := &sc.Summary
		s.Runs += b.TotalRuns()
		if b.IsWicket {
			s.Wickets++
		}

		if current == nil {
			sc.Overs = append(sc.Overs, Over{Number: s.LegalBalls/BallsPerOver + 1, Deliveries: []Delivery{}})
			current = &sc.Overs[len(sc.Overs)-1]
		}
		current.Runs += b.TotalRuns()
		if b.IsWicket {
			current.Wickets++
		}
		current.Deliveries = append(current.Deliveries, deliveryOf(b))

		if b.IsLegal() {
			s.LegalBalls++
			if s.LegalBalls%BallsPerOver == 0 {
				current = nil
			}
		}

		if b.ExtraType != "" {
			s.Extras += b.Penalty() + b.Runs - b.BatterRuns()
		}

		if i, ok := attribute(batIdx, b.StrikerID, batters); ok {
			line := &sc.Batting[i]
			if b.FacedByBatter() {
				line.Balls++
			}
			r := b.BatterRuns()
			line.Runs += r
			if r == 4 {
				line.Fours++
			}
			if r == 6 {
				line.Sixes++
			}
		}
		if b.IsWicket {
			outID := b.BatterOut
			if outID == "" {
				if i, ok := attribute(batIdx, b.StrikerID, batters); ok {
					outID = batters[i].ID
				}
			}
			if i, ok := batIdx[outID]; ok {
				sc.Batting[i].Out = true
				sc.Batting[i].HowOut = b.WicketType
			}
		}

		if i, ok := attribute(bowlIdx, b.BowlerID, bowlers); ok {
			line := &sc.Bowling[i]
			if b.IsLegal() {
				line.Balls++
			}
			line.Runs += b.BowlerRuns()
			if b.BowlerWicket() {
				line.Wickets++
			}
		}

		switch {
		case b.ExtraType != "":
			extras++
		case b.Runs == 0:
			dots++
		case b.Runs == 1:
			ones++
		case b.Runs == 2:
			twos++
		case b.Runs == 3:
			threes++
		case b.Runs == 4:
			fours++
		case b.Runs == 6:
			sixes++
		}
	}

	sc.Summary.Overs = FormatOvers(sc.Summary.LegalBalls)
	sc.Summary.RunRate = FormatRate(RunRate(sc.Summary.Runs, sc.Summary.LegalBalls))

	for i := range sc.Batting {
		line := &sc.Batting[i]
		line.StrikeRate = FormatRate(StrikeRate(line.Runs, line.Balls))
	}
	for i := range sc.Bowling {
		line := &sc.Bowling[i]
		line.Overs = FormatOvers(line.Balls)
		line.Economy = FormatRate(Economy(line.Runs, line.Balls))
	}

	for _, sl := range []Slice{
		{"Dots", dots},
		{"1s", ones},
		{"2s", twos},
		{"3s", threes},
		{"4s", fours},
		{"6s", sixes},
		{"Extras", extras},
	} {
		if sl.Value > 0 {
			sc.Breakdown = append(sc.Breakdown, sl)
		}
	}

	start := len(balls) - recentWindow
	if start < 0 {
		start = 0
	}
	for _, b := range balls[start:] {
		sc.Recent = append(sc.Recent, deliveryOf(b))
	}

	sc.StrikerID, sc.NonStrikerID = atCrease(sc.Batting, balls)
	return sc
}

// attribute resolves the row index for an explicit player id, falling back to
// the first player of the XI.
func attribute(idx map[string]int, id string, xi []Player) (int, bool) {
	if id != "" {
		if i, ok := idx[id]; ok {
			return i, true
		}
	}
	if len(xi) == 0 {
		return 0, false
	}
	return 0, true
}

// atCrease picks the striker and non-striker: the last explicit striker if
// still in, otherwise the first not-out batters in order.
func atCrease(lines []BatterLine, balls []BallEvent) (striker, nonStriker string) {
	out := make(map[string]bool, len(lines))
	for _, l := range lines {
		out[l.PlayerID] = l.Out
	}
	for i := len(balls) - 1; i >= 0; i-- {
		if id := balls[i].StrikerID; id != "" {
			if isOut, ok := out[id]; ok && !isOut {
				striker = id
			}
			break
		}
	}
	for _, l := range lines {
		if l.Out || l.PlayerID == striker {
			continue
		}
		if striker == "" {
			striker = l.PlayerID
			continue
		}
		nonStriker = l.PlayerID
		break
	}
	return striker, nonStriker
}

func deliveryOf(b BallEvent) Delivery {
	return Delivery{Label: b.Label(), Extra: b.ExtraType, Wicket: b.IsWicket}
}
