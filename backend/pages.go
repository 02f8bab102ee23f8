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
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
	"github.com/ttbt-io/cricketscorer/frontend"
)

// pages renders the server-side screens.
type pages struct {
	templates map[string]*template.Template
	assets    fs.FS
}

func newPages() (*pages, error) {
	p := &pages{templates: make(map[string]*template.Template)}
	for _, name := range []string{PageSetup, PageScoring, PageDashboard} {
		t, err := template.ParseFS(frontend.Templates, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		p.templates[name] = t
	}
	assets, err := fs.Sub(frontend.Static, "static")
	if err != nil {
		return nil, err
	}
	p.assets = assets
	return p, nil
}

func (p *pages) static() http.Handler {
	return http.FileServer(http.FS(p.assets))
}

func (p *pages) render(w http.ResponseWriter, status int, data *pageData) {
	t, ok := p.templates[data.Page]
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		log().Errorw("template error", "page", data.Page, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// pageData is the model shared by all templates.
type pageData struct {
	Page     string
	Title    string
	User     string
	Error    string
	MatchID  string
	Revision string
	CanWrite bool

	Details   *cricket.MatchDetails
	Scorecard cricket.Scorecard

	// Setup
	Form    setupForm
	Teams   []cricket.Team
	Formats []string

	// Scoring
	Batters      []cricket.Player
	Bowlers      []cricket.Player
	LastBowlerID string
	RunOptions   []int
	ExtraTypes   []string
	WicketTypes  []string
}

// setupForm holds the values of the setup form. TossWinner is "home" or
// "away".
type setupForm struct {
	Format     string
	Venue      string
	Date       string
	Time       string
	HomeTeam   string
	AwayTeam   string
	TossWinner string
	TossChoice string
	Squads     map[string][]string
}

// Selected reports whether the player's checkbox is ticked.
func (f setupForm) Selected(teamID, playerID string) bool {
	return slices.Contains(f.Squads[teamID], playerID)
}

func defaultSquad(t cricket.Team) []string {
	ids := make([]string, 0, cricket.MaxSquadSize)
	for _, p := range t.Players[:min(len(t.Players), cricket.MaxSquadSize)] {
		ids = append(ids, p.ID)
	}
	return ids
}

// defaultForm fills the form for a new match, or from the details of the
// match being edited.
func (a *app) defaultForm(teams []cricket.Team, d *cricket.MatchDetails) setupForm {
	f := setupForm{
		Format:     cricket.FormatT20,
		Date:       a.opts.Clock.Now().Format("2006-01-02"),
		Time:       a.opts.Clock.Now().Format("15:04"),
		TossWinner: "home",
		TossChoice: cricket.TossBat,
		Squads:     make(map[string][]string, len(teams)),
	}
	if len(teams) > 0 {
		f.HomeTeam = teams[0].ID
	}
	if len(teams) > 1 {
		f.AwayTeam = teams[1].ID
	}
	for _, t := range teams {
		f.Squads[t.ID] = defaultSquad(t)
	}
	if d == nil {
		return f
	}
	f.Format = d.Format
	f.Venue = d.Venue
	f.Date = d.Date
	f.Time = d.Time
	f.HomeTeam = d.HomeTeam
	f.AwayTeam = d.AwayTeam
	f.TossChoice = d.TossChoice
	if d.TossWinner == d.AwayTeam {
		f.TossWinner = "away"
	}
	for id, squad := range d.Squads {
		f.Squads[id] = squad
	}
	return f
}

// parseSetupForm turns the posted form into match details. Teams without a
// squad selection get the first eleven players of their roster.
func parseSetupForm(r *http.Request, catalog Catalog) (setupForm, cricket.MatchDetails) {
	form := r.PostForm
	f := setupForm{
		Format:     form.Get("format"),
		Venue:      form.Get("venue"),
		Date:       form.Get("date"),
		Time:       form.Get("time"),
		HomeTeam:   form.Get("homeTeam"),
		AwayTeam:   form.Get("awayTeam"),
		TossWinner: form.Get("tossWinner"),
		TossChoice: form.Get("tossChoice"),
		Squads:     make(map[string][]string),
	}
	if f.TossWinner != "away" {
		f.TossWinner = "home"
	}
	if f.TossChoice == "" {
		f.TossChoice = cricket.TossBat
	}
	d := cricket.MatchDetails{
		Format:     f.Format,
		Venue:      f.Venue,
		Date:       f.Date,
		Time:       f.Time,
		HomeTeam:   f.HomeTeam,
		AwayTeam:   f.AwayTeam,
		TossWinner: f.HomeTeam,
		TossChoice: f.TossChoice,
		Squads:     make(map[string][]string, 2),
	}
	if f.TossWinner == "away" {
		d.TossWinner = f.AwayTeam
	}
	for _, id := range []string{f.HomeTeam, f.AwayTeam} {
		squad := form["squad-"+id]
		if len(squad) == 0 {
			squad = defaultSquad(catalog[id])
		}
		f.Squads[id] = squad
		d.Squads[id] = squad
	}
	return f, d
}

func (a *app) newPageData(r *http.Request, page, title string) *pageData {
	return &pageData{
		Page:  page,
		Title: title,
		User:  getUserID(r),
		Error: r.URL.Query().Get("error"),
	}
}

// pageURL returns the location of a match screen.
func pageURL(matchID, page string) string {
	if page == PageSetup || page == "" {
		return "/setup?match=" + url.QueryEscape(matchID)
	}
	return "/matches/" + url.PathEscape(matchID) + "/" + page
}

// redirectWithError sends the browser back to target with a message to
// display.
func redirectWithError(w http.ResponseWriter, r *http.Request, target string, err error) {
	msg := err.Error()
	if statusForError(err) == http.StatusInternalServerError {
		log().Errorw("page action failed", "path", r.URL.Path, "error", err)
		msg = "Something went wrong. Please try again."
	}
	u, _ := url.Parse(target)
	q := u.Query()
	q.Set("error", msg)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
}

// conflictError turns a CONFLICT reply into an error for the pages.
func conflictError(resp HubResponse) error {
	if resp.Message != nil && resp.Message.Type == MsgTypeConflict {
		return fmt.Errorf("%w: %s", ErrConflict, resp.Message.Error)
	}
	return nil
}

func (a *app) handleIndex(w http.ResponseWriter, r *http.Request) {
	md, ok := a.r.LatestMatchFor(getUserID(r))
	if !ok {
		http.Redirect(w, r, "/setup", http.StatusSeeOther)
		return
	}
	m, err := a.loadMatch(r, md.ID)
	if err != nil || m.Details == nil {
		http.Redirect(w, r, "/setup", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, pageURL(m.ID, m.Page), http.StatusSeeOther)
}

func (a *app) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	data := a.newPageData(r, PageSetup, "Match Setup")
	teams := a.r.Catalog().Sorted()
	data.Teams = teams
	data.Formats = cricket.Formats

	var details *cricket.MatchDetails
	if id := r.URL.Query().Get("match"); id != "" {
		m, err := a.loadMatch(r, id)
		if err != nil {
			writeError(w, err)
			return
		}
		data.MatchID = m.ID
		data.Revision = m.Revision()
		details = m.Details
		data.Details = m.Details
	}
	data.Form = a.defaultForm(teams, details)
	a.pages.render(w, http.StatusOK, data)
}

func (a *app) handleSetupSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		writeError(w, invalidf("malformed form"))
		return
	}
	catalog := a.r.Catalog()
	form, details := parseSetupForm(r, catalog)

	data := a.newPageData(r, PageSetup, "Match Setup")
	data.Teams = catalog.Sorted()
	data.Formats = cricket.Formats
	data.Form = form
	data.MatchID = r.PostForm.Get("matchId")
	fail := func(err error) {
		status := statusForError(err)
		data.Error = err.Error()
		if status == http.StatusInternalServerError {
			log().Errorw("match setup failed", "error", err)
			data.Error = "Something went wrong. Please try again."
		}
		a.pages.render(w, status, data)
	}

	userId, err := a.requireUser(r)
	if err != nil {
		fail(err)
		return
	}
	if err := ValidateMatchDetails(details, catalog); err != nil {
		fail(err)
		return
	}
	matchID := data.MatchID
	if matchID == "" {
		matchID = newID()
	}
	resp, err := a.appendAction(r, matchID, userId, ActionMatchSetup, MatchSetupPayload{OwnerID: userId, Match: details})
	if err == nil {
		err = conflictError(resp)
	}
	if err != nil {
		fail(err)
		return
	}
	http.Redirect(w, r, pageURL(matchID, PageScoring), http.StatusSeeOther)
}

func (a *app) handleScoringPage(w http.ResponseWriter, r *http.Request) {
	a.renderMatchPage(w, r, PageScoring, "Scoring")
}

func (a *app) handleDashboardPage(w http.ResponseWriter, r *http.Request) {
	a.renderMatchPage(w, r, PageDashboard, "Dashboard")
}

func (a *app) renderMatchPage(w http.ResponseWriter, r *http.Request, page, title string) {
	m, err := a.loadMatch(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if m.Details == nil {
		http.Redirect(w, r, pageURL(m.ID, PageSetup), http.StatusSeeOther)
		return
	}
	data := a.newPageData(r, page, title)
	data.MatchID = m.ID
	data.Revision = m.Revision()
	data.Details = m.Details
	data.Scorecard = a.r.Scorecard(m)
	data.CanWrite = GetMatchAccess(data.User, *m) >= AccessWrite

	if page == PageScoring {
		catalog := a.r.Catalog()
		data.Batters = cricket.XI(*m.Details, catalog[m.Details.BattingTeamID()])
		data.Bowlers = cricket.XI(*m.Details, catalog[m.Details.BowlingTeamID()])
		for i := len(m.Balls) - 1; i >= 0; i-- {
			if id := m.Balls[i].BowlerID; id != "" {
				data.LastBowlerID = id
				break
			}
		}
		data.RunOptions = []int{0, 1, 2, 3, 4, 5, 6}
		data.ExtraTypes = cricket.ExtraTypes
		data.WicketTypes = cricket.WicketTypes
	}
	a.pages.render(w, http.StatusOK, data)
}

// parseBallForm reads a ball event from the scoring form.
func parseBallForm(r *http.Request) (cricket.BallEvent, error) {
	form := r.PostForm
	var b cricket.BallEvent
	runs, err := strconv.Atoi(form.Get("runs"))
	if err != nil {
		return b, invalidf("runs must be a number")
	}
	b.Runs = runs
	b.ExtraType = form.Get("extraType")
	b.StrikerID = form.Get("strikerId")
	b.BowlerID = form.Get("bowlerId")
	if form.Get("isWicket") == "true" {
		b.IsWicket = true
		b.WicketType = form.Get("wicketType")
		b.BatterOut = form.Get("batterOut")
	}
	return b, ValidateBall(b)
}

func (a *app) handleBallForm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	back := pageURL(id, PageScoring)
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		redirectWithError(w, r, back, invalidf("malformed form"))
		return
	}
	userId, err := a.requireUser(r)
	if err != nil {
		redirectWithError(w, r, back, err)
		return
	}
	ball, err := parseBallForm(r)
	if err != nil {
		redirectWithError(w, r, back, err)
		return
	}
	resp, err := a.appendAction(r, id, userId, ActionBall, ball)
	if err == nil {
		err = conflictError(resp)
	}
	if err != nil {
		redirectWithError(w, r, back, err)
		return
	}
	http.Redirect(w, r, back, http.StatusSeeOther)
}

// pageAction handles the scoring buttons that take no input.
func (a *app) pageAction(actionType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		back := pageURL(id, PageScoring)
		userId, err := a.requireUser(r)
		if err != nil {
			redirectWithError(w, r, back, err)
			return
		}
		resp, err := a.appendAction(r, id, userId, actionType, nil)
		if err == nil {
			err = conflictError(resp)
		}
		if err != nil {
			redirectWithError(w, r, back, err)
			return
		}
		http.Redirect(w, r, back, http.StatusSeeOther)
	}
}

func (a *app) handleNavigateForm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	back := pageURL(id, PageScoring)
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		redirectWithError(w, r, back, invalidf("malformed form"))
		return
	}
	page := r.PostForm.Get("page")
	if err := validatePage(page); err != nil {
		redirectWithError(w, r, back, err)
		return
	}
	userId, err := a.requireUser(r)
	if err != nil {
		// Viewers can still move between screens; only the recorded page
		// needs write access.
		if errors.Is(err, ErrForbidden) {
			http.Redirect(w, r, pageURL(id, page), http.StatusSeeOther)
			return
		}
		redirectWithError(w, r, back, err)
		return
	}
	resp, err := a.appendAction(r, id, userId, ActionNavigate, NavigatePayload{Page: page})
	if err == nil {
		err = conflictError(resp)
	}
	if err != nil {
		redirectWithError(w, r, back, err)
		return
	}
	http.Redirect(w, r, pageURL(id, page), http.StatusSeeOther)
}
