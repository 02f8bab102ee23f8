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

// Package e2ehelpers drives the scoring screens in a browser for the
// end-to-end tests and the screenshot tool.
package e2ehelpers

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// MatchForm is the input of the setup screen. Empty fields keep the
// defaults the server offers.
type MatchForm struct {
	Format     string
	Venue      string
	Date       string // YYYY-MM-DD
	Time       string // HH:MM
	HomeTeam   string
	AwayTeam   string
	TossWinner string // "home" or "away"
	TossChoice string // "bat" or "bowl"
}

// Ball is one delivery entered on the scoring screen.
type Ball struct {
	Runs       int
	ExtraType  string
	IsWicket   bool
	WicketType string
}

// CaptureScreenshot captures a screenshot and saves it to the specified filename.
func CaptureScreenshot(ctx context.Context, filename string) error {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory for screenshot: %w", err)
	}
	if err := os.WriteFile(filename, buf, 0644); err != nil {
		return fmt.Errorf("failed to write screenshot to file: %w", err)
	}
	log.Printf("Saved screenshot to %s", filename)
	return nil
}

func DisableCSSAnimations() chromedp.ActionFunc {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.Evaluate(`
			const style = document.createElement('style');
			style.innerHTML = '*{transition-duration:0s!important;animation-duration:0s!important;}';
			document.head.appendChild(style);
		`, nil).Do(ctx)
	})
}

// LoginAs sets the mock authentication cookie for email and opens the
// home screen.
func LoginAs(ctx context.Context, baseURL, email string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid baseURL %q: %w", baseURL, err)
	}
	return chromedp.Run(ctx,
		network.ClearBrowserCookies(),
		network.SetCookie("mock_auth_user", email).
			WithDomain(u.Hostname()).
			WithPath("/").
			WithSecure(u.Scheme == "https"),
		chromedp.Navigate(baseURL+"/"),
		chromedp.WaitReady(`body`, chromedp.ByQuery),
	)
}

// SetupMatch fills the setup screen and starts the match. It returns once
// the scoring screen is showing.
func SetupMatch(ctx context.Context, baseURL string, f MatchForm) error {
	actions := []chromedp.Action{
		chromedp.Navigate(baseURL + "/setup"),
		chromedp.WaitVisible(`form.setup`, chromedp.ByQuery),
	}
	set := func(sel, value string) {
		if value != "" {
			actions = append(actions, chromedp.SetValue(sel, value, chromedp.ByQuery))
		}
	}
	set(`select[name="format"]`, f.Format)
	set(`input[name="venue"]`, f.Venue)
	set(`input[name="date"]`, f.Date)
	set(`input[name="time"]`, f.Time)
	set(`#home-team`, f.HomeTeam)
	set(`#away-team`, f.AwayTeam)
	if f.TossWinner != "" {
		actions = append(actions, chromedp.Click(fmt.Sprintf(`input[name="tossWinner"][value=%q]`, f.TossWinner), chromedp.ByQuery))
	}
	if f.TossChoice != "" {
		actions = append(actions, chromedp.Click(fmt.Sprintf(`input[name="tossChoice"][value=%q]`, f.TossChoice), chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.Click(`form.setup button[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitVisible(`form.ball`, chromedp.ByQuery),
	)
	return chromedp.Run(ctx, actions...)
}

// revision returns the match revision of the page on display.
func revision(ctx context.Context) (string, error) {
	var rev string
	var ok bool
	err := chromedp.Run(ctx, chromedp.AttributeValue(`body`, "data-revision", &rev, &ok, chromedp.ByQuery))
	return rev, err
}

// waitForRevisionChange waits until a page with another revision than
// before has loaded.
func waitForRevisionChange(before string) chromedp.Action {
	var changed bool
	return chromedp.Tasks{
		chromedp.Poll(fmt.Sprintf(`document.readyState === "complete" && document.body.dataset.revision !== %q`, before), &changed),
		chromedp.WaitVisible(`form.ball`, chromedp.ByQuery),
	}
}

// RecordBall submits one delivery from the scoring screen.
func RecordBall(ctx context.Context, b Ball) error {
	if err := chromedp.Run(ctx, chromedp.WaitVisible(`form.ball`, chromedp.ByQuery)); err != nil {
		return err
	}
	before, err := revision(ctx)
	if err != nil {
		return err
	}
	actions := []chromedp.Action{
		chromedp.Click(`input[name="runs"][value="`+strconv.Itoa(b.Runs)+`"]`, chromedp.ByQuery),
		chromedp.SetValue(`select[name="extraType"]`, b.ExtraType, chromedp.ByQuery),
	}
	if b.IsWicket {
		actions = append(actions, chromedp.Click(`input[name="isWicket"]`, chromedp.ByQuery))
		if b.WicketType != "" {
			actions = append(actions, chromedp.SetValue(`select[name="wicketType"]`, b.WicketType, chromedp.ByQuery))
		}
	}
	actions = append(actions,
		chromedp.Click(`form.ball button[type="submit"]`, chromedp.ByQuery),
		waitForRevisionChange(before),
	)
	return chromedp.Run(ctx, actions...)
}

// UndoBall presses the undo button on the scoring screen.
func UndoBall(ctx context.Context) error {
	before, err := revision(ctx)
	if err != nil {
		return err
	}
	return chromedp.Run(ctx,
		chromedp.Click(`form[action$="/undo"] button`, chromedp.ByQuery),
		waitForRevisionChange(before),
	)
}

// OpenDashboard switches from the scoring screen to the dashboard.
func OpenDashboard(ctx context.Context) error {
	return chromedp.Run(ctx,
		chromedp.Click(`.controls input[value="dashboard"] + button`, chromedp.ByQuery),
		chromedp.WaitVisible(`#breakdown`, chromedp.ByQuery),
	)
}

// Summary reads the score, overs and run rate shown on the current screen.
func Summary(ctx context.Context, score, overs, runRate *string) error {
	return chromedp.Run(ctx,
		chromedp.Text(`#score`, score, chromedp.ByQuery),
		chromedp.Text(`#overs`, overs, chromedp.ByQuery),
		chromedp.Text(`#run-rate`, runRate, chromedp.ByQuery),
	)
}
