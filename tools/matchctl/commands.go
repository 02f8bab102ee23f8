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
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/ttbt-io/cricketscorer/backend"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

var showDeleted bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored matches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ms, ts, err := openStores()
		if err != nil {
			return err
		}
		catalog, err := ts.Catalog()
		if err != nil {
			return err
		}
		var rows []backend.MatchMetadata
		for md, err := range ms.ListAllMatchMetadata() {
			if err != nil {
				return err
			}
			if md.Status == backend.StatusDeleted && !showDeleted {
				continue
			}
			rows = append(rows, md)
		}
		slices.SortFunc(rows, func(a, b backend.MatchMetadata) int {
			if c := strings.Compare(b.Date, a.Date); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
		fmt.Fprintln(cmd.OutOrStdout(), renderMatchList(rows, catalog))
		return nil
	},
}

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "List the team catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ts, err := openStores()
		if err != nil {
			return err
		}
		catalog, err := ts.Catalog()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTeams(catalog.Sorted()))
		return nil
	},
}

var scorecardCmd = &cobra.Command{
	Use:   "scorecard <match-id>",
	Short: "Print the scorecard of a match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ms, ts, err := openStores()
		if err != nil {
			return err
		}
		m, err := ms.LoadMatch(args[0])
		if err != nil {
			return fmt.Errorf("loading match %s: %w", args[0], err)
		}
		if m.Details == nil {
			return fmt.Errorf("match %s has not been set up", m.ID)
		}
		catalog, err := ts.Catalog()
		if err != nil {
			return err
		}
		sc := cricket.Derive(*m.Details, catalog.Sorted(), m.Balls)
		fmt.Fprintln(cmd.OutOrStdout(), renderScorecard(*m.Details, sc))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [match-id...]",
	Short: "Check that stored match state matches its action log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ms, _, err := openStores()
		if err != nil {
			return err
		}
		ids := args
		if len(ids) == 0 {
			for md, err := range ms.ListAllMatchMetadata() {
				if err != nil {
					return err
				}
				if md.Status != backend.StatusDeleted {
					ids = append(ids, md.ID)
				}
			}
		}
		var bad int
		for _, id := range ids {
			m, err := ms.LoadMatch(id)
			if err != nil {
				return fmt.Errorf("loading match %s: %w", id, err)
			}
			if problem := verifyMatch(m); problem != "" {
				bad++
				fmt.Fprintln(cmd.OutOrStdout(), failStyle.Render("FAIL"), id, problem)
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("ok  "), id)
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d matches failed verification", bad, len(ids))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&showDeleted, "deleted", false, "Include deleted matches")
}

// verifyMatch replays the action log of m and describes the first
// difference from the stored state.
func verifyMatch(m *backend.Match) string {
	replayed, err := backend.Replay(m.ID, m.ActionLog)
	if err != nil {
		return fmt.Sprintf("replay failed: %v", err)
	}
	switch {
	case replayed.Page != m.Page:
		return fmt.Sprintf("page is %q, log gives %q", m.Page, replayed.Page)
	case len(replayed.Balls) != len(m.Balls):
		return fmt.Sprintf("%d balls stored, log gives %d", len(m.Balls), len(replayed.Balls))
	case !slices.Equal(replayed.Balls, m.Balls):
		return "ball events differ from the log"
	case (replayed.Details == nil) != (m.Details == nil):
		return "match details differ from the log"
	case replayed.Revision() != m.Revision():
		return fmt.Sprintf("revision is %q, log gives %q", m.Revision(), replayed.Revision())
	}
	return ""
}
