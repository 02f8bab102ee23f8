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

package e2e

import (
	"context"
	"fmt"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/ttbt-io/cricketscorer/tools/e2ehelpers"
)

func expectSummary(wantScore, wantOvers, wantRate string) func(context.Context) error {
	return func(ctx context.Context) error {
		var score, overs, rate string
		if err := e2ehelpers.Summary(ctx, &score, &overs, &rate); err != nil {
			return err
		}
		if score != wantScore || overs != wantOvers || rate != wantRate {
			return fmt.Errorf("summary = %s, %s overs, RR %s; want %s, %s overs, RR %s", score, overs, rate, wantScore, wantOvers, wantRate)
		}
		return nil
	}
}

func TestScoringWorkflow(t *testing.T) {
	if *withChromeDP == "" {
		t.Skip("--with-chromedp not set")
	}
	baseURL := startTestServer(t)
	ctx := newBrowser(t)

	runStep(t, ctx, "Login", func(ctx context.Context) error {
		return e2ehelpers.LoginAs(ctx, baseURL, "scorer@example.com")
	})
	runStep(t, ctx, "Set up match", func(ctx context.Context) error {
		return e2ehelpers.SetupMatch(ctx, baseURL, e2ehelpers.MatchForm{
			Format:     "T20",
			Venue:      "Riverside Oval",
			Date:       "2025-06-01",
			Time:       "14:30",
			HomeTeam:   "harbour-hawks",
			AwayTeam:   "ridge-rovers",
			TossWinner: "away",
			TossChoice: "bowl",
		})
	})
	runStep(t, ctx, "Empty innings", expectSummary("0/0", "0.0", "0.00"))

	runStep(t, ctx, "Record an over", func(ctx context.Context) error {
		for _, b := range []e2ehelpers.Ball{
			{Runs: 4},
			{Runs: 1},
			{Runs: 0, ExtraType: "wide"},
			{Runs: 6},
			{Runs: 0, IsWicket: true, WicketType: "bowled"},
			{Runs: 2},
			{Runs: 0},
		} {
			if err := e2ehelpers.RecordBall(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	// 4 + 1 + 1 (wide) + 6 + 0 + 2 + 0 = 14 from six legal balls.
	runStep(t, ctx, "Scoring summary", expectSummary("14/1", "1.0", "14.00"))

	runStep(t, ctx, "Undo last ball", e2ehelpers.UndoBall)
	runStep(t, ctx, "Summary after undo", expectSummary("14/1", "0.5", "16.80"))

	runStep(t, ctx, "Dashboard", func(ctx context.Context) error {
		if err := e2ehelpers.OpenDashboard(ctx); err != nil {
			return err
		}
		var breakdown string
		if err := chromedp.Run(ctx, chromedp.Text(`#breakdown`, &breakdown, chromedp.ByQuery)); err != nil {
			return err
		}
		t.Logf("Breakdown: %s", breakdown)
		return expectSummary("14/1", "0.5", "16.80")(ctx)
	})

	runStep(t, ctx, "Home resumes the dashboard", func(ctx context.Context) error {
		return chromedp.Run(ctx,
			chromedp.Navigate(baseURL+"/"),
			chromedp.WaitVisible(`#over-by-over`, chromedp.ByQuery),
		)
	})
}
