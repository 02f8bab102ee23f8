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

// Package cricket holds the match model and derives scorecards from a flat
// sequence of ball events.
package cricket

import (
	"fmt"
	"math"
)

// Match Formats
const (
	FormatT20        = "T20"
	FormatODI        = "ODI"
	FormatFirstClass = "First-Class"
)

// Toss Choices
const (
	TossBat  = "bat"
	TossBowl = "bowl"
)

// Extra Types
const (
	ExtraWide   = "wide"
	ExtraNoBall = "no-ball"
	ExtraLegBye = "leg-bye"
	ExtraBye    = "bye"
)

// Wicket Types
const (
	WicketBowled    = "bowled"
	WicketCaught    = "caught"
	WicketLBW       = "lbw"
	WicketRunOut    = "run out"
	WicketStumped   = "stumped"
	WicketHitWicket = "hit wicket"
)

// MaxSquadSize is the number of players a team may field.
const MaxSquadSize = 11

// BallsPerOver is the number of legal deliveries in an over.
const BallsPerOver = 6

// Formats lists the supported match formats in display order.
var Formats = []string{FormatT20, FormatODI, FormatFirstClass}

// ExtraTypes lists the supported extra types in display order.
var ExtraTypes = []string{ExtraWide, ExtraNoBall, ExtraLegBye, ExtraBye}

// WicketTypes lists the supported dismissal types in display order.
var WicketTypes = []string{WicketBowled, WicketCaught, WicketLBW, WicketRunOut, WicketStumped, WicketHitWicket}

// Player is a member of a team's catalog roster.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Team is a catalog team.
type Team struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ShortName string   `json:"shortName,omitempty"`
	Players   []Player `json:"players"`
}

// PlayerByID returns the player with the given id.
func (t Team) PlayerByID(id string) (Player, bool) {
	for _, p := range t.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// MatchDetails is the configuration captured by the setup form.
type MatchDetails struct {
	Format     string              `json:"format"`
	Venue      string              `json:"venue"`
	Date       string              `json:"date"`
	Time       string              `json:"time"`
	HomeTeam   string              `json:"homeTeam"`
	AwayTeam   string              `json:"awayTeam"`
	Squads     map[string][]string `json:"squads"`
	TossWinner string              `json:"tossWinner"`
	TossChoice string              `json:"tossChoice"`
}

// BattingTeamID returns the id of the side batting first. The toss winner
// bats when they chose to bat, otherwise the other side does.
func (d MatchDetails) BattingTeamID() string {
	winnerBats := d.TossChoice == TossBat
	if d.TossWinner == d.HomeTeam {
		if winnerBats {
			return d.HomeTeam
		}
		return d.AwayTeam
	}
	if winnerBats {
		return d.AwayTeam
	}
	return d.HomeTeam
}

// BowlingTeamID returns the id of the side bowling first.
func (d MatchDetails) BowlingTeamID() string {
	if d.BattingTeamID() == d.HomeTeam {
		return d.AwayTeam
	}
	return d.HomeTeam
}

// BallEvent is the outcome of a single delivery.
type BallEvent struct {
	Runs       int    `json:"runs"`
	ExtraType  string `json:"extraType,omitempty"`
	IsWicket   bool   `json:"isWicket,omitempty"`
	WicketType string `json:"wicketType,omitempty"`
	BatterOut  string `json:"batterOut,omitempty"`

	// StrikerID and BowlerID attribute the delivery. When empty the ball is
	// credited to the first batter and first bowler of the respective XI.
	StrikerID string `json:"strikerId,omitempty"`
	BowlerID  string `json:"bowlerId,omitempty"`
}

// IsLegal reports whether the delivery counts toward the six of an over.
func (b BallEvent) IsLegal() bool {
	return b.ExtraType != ExtraWide && b.ExtraType != ExtraNoBall
}

// Penalty returns the one-run penalty awarded for wides and no-balls.
func (b BallEvent) Penalty() int {
	if b.IsLegal() {
		return 0
	}
	return 1
}

// TotalRuns returns the runs added to the batting side's total.
func (b BallEvent) TotalRuns() int {
	return b.Runs + b.Penalty()
}

// FacedByBatter reports whether the striker is charged with a ball faced.
func (b BallEvent) FacedByBatter() bool {
	return b.ExtraType != ExtraWide
}

// BatterRuns returns the runs credited to the striker.
func (b BallEvent) BatterRuns() int {
	switch b.ExtraType {
	case "", ExtraNoBall:
		return b.Runs
	}
	return 0
}

// BowlerRuns returns the runs conceded by the bowler.
func (b BallEvent) BowlerRuns() int {
	switch b.ExtraType {
	case ExtraBye, ExtraLegBye:
		return 0
	}
	return b.TotalRuns()
}

// BowlerWicket reports whether the dismissal is credited to the bowler.
func (b BallEvent) BowlerWicket() bool {
	return b.IsWicket && b.WicketType != WicketRunOut
}

// Label returns the short scoreboard label for the delivery.
func (b BallEvent) Label() string {
	if b.IsWicket {
		return "W"
	}
	return fmt.Sprintf("%d", b.Runs)
}

// FormatOvers renders a ball count in overs notation, e.g. 14 -> "2.2".
func FormatOvers(legalBalls int) string {
	return fmt.Sprintf("%d.%d", legalBalls/BallsPerOver, legalBalls%BallsPerOver)
}

// StrikeRate returns runs per 100 balls faced.
func StrikeRate(runs, balls int) float64 {
	if balls == 0 {
		return 0
	}
	return float64(runs) / float64(balls) * 100
}

// Economy returns runs conceded per six legal balls.
func Economy(runs, balls int) float64 {
	if balls == 0 {
		return 0
	}
	return float64(runs) / (float64(balls) / BallsPerOver)
}

// RunRate returns the side's runs per over.
func RunRate(runs, legalBalls int) float64 {
	return Economy(runs, legalBalls)
}

// FormatRate renders a rate with two decimals.
func FormatRate(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", v)
}
