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

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/ttbt-io/cricketscorer/backend"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2e7d32"))
	scoreStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1).Border(lipgloss.RoundedBorder())
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b6b6b"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#2e7d32"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#c62828"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderMatchList(rows []backend.MatchMetadata, catalog backend.Catalog) string {
	if len(rows) == 0 {
		return mutedStyle.Render("No matches.")
	}
	t := newTable("ID", "Date", "Format", "Venue", "Home", "Away", "Balls", "Updated")
	for _, md := range rows {
		updated := ""
		if md.UpdatedAt > 0 {
			updated = time.Unix(0, md.UpdatedAt).UTC().Format(time.DateTime)
		}
		id := md.ID
		if md.Status == backend.StatusDeleted {
			id += " (deleted)"
		}
		t.Row(id, md.Date, md.Format, md.Venue, teamName(catalog, md.HomeTeamID), teamName(catalog, md.AwayTeamID), strconv.Itoa(md.Balls), updated)
	}
	return t.String()
}

func teamName(catalog backend.Catalog, id string) string {
	if t, ok := catalog[id]; ok {
		return t.Name
	}
	return id
}

func renderTeams(teams []cricket.Team) string {
	if len(teams) == 0 {
		return mutedStyle.Render("No teams.")
	}
	t := newTable("ID", "Name", "Short", "Players")
	for _, team := range teams {
		t.Row(team.ID, team.Name, team.ShortName, strconv.Itoa(len(team.Players)))
	}
	return t.String()
}

func renderScorecard(d cricket.MatchDetails, sc cricket.Scorecard) string {
	s := sc.Summary
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("%s v %s", s.BattingTeamName, s.BowlingTeamName)))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%s at %s, %s %s", d.Format, d.Venue, d.Date, d.Time)))
	b.WriteString("\n")
	b.WriteString(scoreStyle.Render(fmt.Sprintf("%s  (%s ov)  RR %s  Extras %d", s.Score(), s.Overs, s.RunRate, s.Extras)))
	b.WriteString("\n")

	bat := newTable("Batter", "R", "B", "4s", "6s", "SR", "Status")
	for _, l := range sc.Batting {
		status := l.Status()
		if l.HowOut != "" {
			status += " (" + l.HowOut + ")"
		}
		bat.Row(l.Name, strconv.Itoa(l.Runs), strconv.Itoa(l.Balls), strconv.Itoa(l.Fours), strconv.Itoa(l.Sixes), l.StrikeRate, status)
	}
	b.WriteString(bat.String())
	b.WriteString("\n")

	bowl := newTable("Bowler", "O", "R", "W", "Econ")
	for _, l := range sc.Bowling {
		bowl.Row(l.Name, l.Overs, strconv.Itoa(l.Runs), strconv.Itoa(l.Wickets), l.Economy)
	}
	b.WriteString(bowl.String())
	b.WriteString("\n")

	if len(sc.Breakdown) > 0 {
		parts := make([]string, 0, len(sc.Breakdown))
		for _, sl := range sc.Breakdown {
			parts = append(parts, fmt.Sprintf("%s %d", sl.Name, sl.Value))
		}
		b.WriteString(mutedStyle.Render("Breakdown: " + strings.Join(parts, " | ")))
		b.WriteString("\n")
	}
	return b.String()
}
