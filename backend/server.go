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
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string, string) {
	limit := 50
	offset := 0
	sortBy := r.URL.Query().Get("sortBy")
	order := r.URL.Query().Get("order")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset, sortBy, order, query
}

// statusForError maps an error to the HTTP status reported to clients.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, ErrNoMatch), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrHubBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotLeader):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError writes err with the status statusForError picks. Internal
// errors are logged and not disclosed.
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	switch status {
	case http.StatusTooManyRequests:
		hubBusyResponse(w, retryAfterAction)
	case http.StatusNotFound:
		http.Error(w, "Not Found", status)
	case http.StatusInternalServerError:
		log().Errorw("internal error", "error", err)
		http.Error(w, "Internal Server Error", status)
	default:
		http.Error(w, err.Error(), status)
	}
}

// errorFromStatus turns a status relayed by the leader back into the
// matching sentinel error.
func errorFromStatus(code int, msg string) error {
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalid, strings.TrimPrefix(msg, "invalid: "))
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, strings.TrimPrefix(msg, "forbidden: "))
	case http.StatusNotFound:
		return os.ErrNotExist
	case http.StatusConflict:
		if strings.HasPrefix(msg, ErrNoMatch.Error()) {
			return ErrNoMatch
		}
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case http.StatusTooManyRequests:
		return ErrHubBusy
	}
	return fmt.Errorf("leader returned %d: %s", code, msg)
}

// Options represent server options.
type Options struct {
	Addr     string
	DataDir  string
	Storage  *storage.Storage
	Listener net.Listener
	Cert     *tls.Certificate

	// MasterKey is the key Storage was opened with, if any. It also seals
	// the Raft log.
	MasterKey crypto.MasterKey

	MatchStore *MatchStore
	TeamStore  *TeamStore
	Registry   *Registry
	Clock      clockwork.Clock
	Metrics    *Metrics
	Events     EventPublisher

	UseMockAuth bool
	Debug       bool

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftSecret            string
	RaftJoin              string // HTTP address of a cluster member to join
	RaftBootstrap         bool
	HTTPAdvertise         string // Base URL other nodes use to reach this one
	UseProductionTimeouts bool

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string

	// Access Control Options
	BootstrapAdmin string

	// CORSOrigins enables cross-origin access to /api for the listed origins.
	CORSOrigins []string

	// BallRate and BallBurst limit ball submissions per user. A zero rate
	// disables the limit.
	BallRate  float64
	BallBurst int
}

const (
	retryAfterLoad   = "2"
	retryAfterAction = "5"
)

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
	app        *app
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if s.raftMgr != nil {
		if err := s.raftMgr.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("raft: %w", err))
		}
	}
	if err := s.app.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	a, err := newApp(opts)
	if err != nil {
		return nil, err
	}
	handler := a.handler()

	if a.rm != nil {
		if err := a.startRaft(); err != nil {
			a.close()
			return nil, err
		}
		// Wait for Raft to replay log and catch up to ensure data consistency
		// before starting the public HTTP server.
		if err := a.rm.WaitForSync(30 * time.Second); err != nil {
			log().Warnw("raft sync timed out", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	ln := opts.Listener
	if ln == nil {
		if ln, err = net.Listen("tcp", opts.Addr); err != nil {
			a.close()
			return nil, err
		}
	}
	go func() {
		var err error
		if httpServer.TLSConfig != nil {
			log().Infow("starting HTTPS server", "addr", ln.Addr().String())
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			log().Infow("starting HTTP server", "addr", ln.Addr().String())
			err = httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			log().Errorw("server error", "error", err)
		}
	}()

	return &Server{
		httpServer: httpServer,
		raftMgr:    a.rm,
		app:        a,
	}, nil
}

// NewServerHandler creates the HTTP handler of a standalone node. It is
// used by tests and embedders that run their own http.Server.
func NewServerHandler(opts Options) (http.Handler, func() error, error) {
	opts.RaftEnabled = false
	a, err := newApp(opts)
	if err != nil {
		return nil, nil, err
	}
	return a.handler(), a.close, nil
}

// app holds the services shared by the handlers.
type app struct {
	opts     Options
	storage  *storage.Storage
	ms       *MatchStore
	ts       *TeamStore
	r        *Registry
	ac       *AccessControl
	hm       *HubManager
	fsm      *FSM
	rm       *RaftManager
	metrics  *Metrics
	events   EventPublisher
	limiters *lru.Cache[string, *rate.Limiter]
	pages    *pages
}

func newApp(opts Options) (*app, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, nil)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	if opts.AuthCookieName == "" {
		opts.AuthCookieName = defaultAuthCookie
	}
	if opts.BallBurst <= 0 {
		opts.BallBurst = 10
	}

	a := &app{
		opts:    opts,
		storage: opts.Storage,
		ms:      opts.MatchStore,
		ts:      opts.TeamStore,
		r:       opts.Registry,
		metrics: opts.Metrics,
		events:  opts.Events,
	}
	if a.ms == nil {
		a.ms = NewMatchStore(opts.DataDir, opts.Storage, opts.Clock)
	}
	if a.ts == nil {
		a.ts = NewTeamStore(opts.DataDir, opts.Storage, opts.Clock)
	}
	if n, err := a.ts.SeedTeams(); err != nil {
		return nil, fmt.Errorf("seeding teams: %w", err)
	} else if n > 0 {
		log().Infow("seeded team catalog", "teams", n)
	}
	if a.r == nil {
		a.r = NewRegistry(a.ms, a.ts, opts.Clock)
	}
	a.r.StartGC()
	a.ac = NewAccessControl(a.r, opts.BootstrapAdmin)
	a.hm = NewHubManager(a.ms, a.r, a.ac, a.metrics, a.events)

	a.fsm = NewFSM(a.ms, a.ts, a.r, a.hm, opts.Storage)
	if opts.RaftEnabled {
		raftDir := filepath.Join(opts.DataDir, "raft")
		if err := os.MkdirAll(raftDir, 0755); err != nil {
			return nil, fmt.Errorf("creating raft directory: %w", err)
		}
		a.rm = NewRaftManager(raftDir, opts.RaftBind, opts.RaftAdvertise, opts.HTTPAdvertise, opts.RaftSecret, opts.MasterKey, a.fsm)
		a.rm.UseProductionTimeouts = opts.UseProductionTimeouts
		a.hm.SetRaftManager(a.rm)
	}
	if err := a.fsm.LoadAccessPolicy(); err != nil {
		return nil, fmt.Errorf("loading access policy: %w", err)
	}

	if opts.BallRate > 0 {
		a.limiters, _ = lru.New[string, *rate.Limiter](10000)
	}
	p, err := newPages()
	if err != nil {
		return nil, err
	}
	a.pages = p
	return a, nil
}

func (a *app) startRaft() error {
	bootstrap := a.opts.RaftBootstrap && a.opts.RaftJoin == ""
	if err := a.rm.Start(bootstrap); err != nil {
		return fmt.Errorf("starting raft: %w", err)
	}
	if a.opts.RaftJoin != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.rm.Join(ctx, a.opts.RaftJoin); err != nil {
			return fmt.Errorf("joining cluster at %s: %w", a.opts.RaftJoin, err)
		}
	}
	return nil
}

// close flushes state and releases background resources.
func (a *app) close() error {
	a.r.StopGC()
	var errs []error
	if err := a.fsm.FlushAll(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := a.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	return errors.Join(errs...)
}

// commit applies a team or policy command, through Raft when enabled.
func (a *app) commit(cmd RaftCommand) error {
	if a.rm != nil {
		_, err := a.rm.Propose(cmd)
		return err
	}
	if res := a.fsm.applyCommand(cmd, 0); res != nil {
		if err, ok := res.(error); ok {
			return err
		}
	}
	return nil
}

func (a *app) handler() http.Handler {
	router := mux.NewRouter()
	router.Use(a.metrics.Middleware)

	// Pages
	router.HandleFunc("/", a.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/setup", a.handleSetupPage).Methods(http.MethodGet)
	router.HandleFunc("/setup", a.handleSetupSubmit).Methods(http.MethodPost)
	router.HandleFunc("/matches/{id}/scoring", a.handleScoringPage).Methods(http.MethodGet)
	router.HandleFunc("/matches/{id}/dashboard", a.handleDashboardPage).Methods(http.MethodGet)
	router.Handle("/matches/{id}/balls", a.rateLimit(http.HandlerFunc(a.handleBallForm))).Methods(http.MethodPost)
	router.HandleFunc("/matches/{id}/undo", a.pageAction(ActionUndoBall)).Methods(http.MethodPost)
	router.HandleFunc("/matches/{id}/reset-innings", a.pageAction(ActionResetInnings)).Methods(http.MethodPost)
	router.HandleFunc("/matches/{id}/navigate", a.handleNavigateForm).Methods(http.MethodPost)
	router.PathPrefix("/static/").Handler(contentTypeMiddleware(http.StripPrefix("/static/", a.pages.static()))).Methods(http.MethodGet)

	// JSON API
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/me", a.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/teams", a.handleListTeams).Methods(http.MethodGet)
	api.HandleFunc("/teams/{id}", a.handleGetTeam).Methods(http.MethodGet)
	api.HandleFunc("/save-team", a.handleSaveTeam).Methods(http.MethodPost)
	api.HandleFunc("/delete-team", a.handleDeleteTeam).Methods(http.MethodPost)
	api.HandleFunc("/matches", a.handleCreateMatch).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}", a.handleGetMatch).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}/scorecard", a.handleGetScorecard).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}/actions", a.handleActions).Methods(http.MethodPost)
	api.Handle("/matches/{id}/balls", a.rateLimit(http.HandlerFunc(a.handleAddBall))).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}/undo", a.apiAction(ActionUndoBall)).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}/reset-innings", a.apiAction(ActionResetInnings)).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}/reset", a.apiAction(ActionReset)).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}/navigate", a.handleNavigate).Methods(http.MethodPost)
	api.HandleFunc("/list-matches", a.handleListMatches).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/delete-match", a.handleDeleteMatch).Methods(http.MethodPost)
	api.HandleFunc("/admin/policy", a.handleGetPolicy).Methods(http.MethodGet)
	api.HandleFunc("/admin/policy", a.handleSetPolicy).Methods(http.MethodPost)
	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(a.hm, w, r)
	}).Methods(http.MethodGet)

	// Cluster
	api.HandleFunc("/cluster/join", a.clusterOnly(func(w http.ResponseWriter, r *http.Request) {
		a.rm.handleJoin(w, r)
	}))
	api.HandleFunc("/cluster/status", a.clusterOnly(func(w http.ResponseWriter, r *http.Request) {
		a.rm.handleStatus(w, r)
	}))
	api.HandleFunc("/cluster/action", a.clusterOnly(func(w http.ResponseWriter, r *http.Request) {
		a.rm.handleAction(a.hm, w, r)
	}))

	router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)

	var handler http.Handler = router
	if len(a.opts.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   a.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Content-Type", "If-None-Match"},
			ExposedHeaders:   []string{"ETag"},
			AllowCredentials: true,
		})
		withCORS := c.Handler(router)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				withCORS.ServeHTTP(w, r)
				return
			}
			router.ServeHTTP(w, r)
		})
	}
	handler = authMiddleware(a.opts)(handler)
	if a.opts.Debug {
		handler = loggingMiddleware(handler)
	}
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)
	return handler
}

func (a *app) clusterOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.rm == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		h(w, r)
	}
}

// rateLimit throttles ball submissions per user, or per client address
// for anonymous requests.
func (a *app) rateLimit(next http.Handler) http.Handler {
	if a.limiters == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := getUserID(r)
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		lim, ok := a.limiters.Get(key)
		if !ok {
			lim = rate.NewLimiter(rate.Limit(a.opts.BallRate), a.opts.BallBurst)
			a.limiters.Add(key, lim)
		}
		if !lim.Allow() {
			a.metrics.RateLimitDenied.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"appVersion": CurrentAppVersion,
		"matches":    a.r.CountTotalMatches(),
	}
	if a.rm != nil && a.rm.Raft != nil {
		status["raftState"] = a.rm.Raft.State().String()
	}
	writeJSON(w, http.StatusOK, status)
}

// cacheControlMiddleware adds Cache-Control headers.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/static/") {
			w.Header().Set("Cache-Control", "public, max-age=300, proxy-revalidate, no-transform")
		} else {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'; img-src 'self' data:; connect-src 'self'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// contentTypeMiddleware ensures that files are served with the correct MIME type.
func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Ext(r.URL.Path) {
		case ".js", ".mjs":
			w.Header().Set("Content-Type", "application/javascript")
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".svg":
			w.Header().Set("Content-Type", "image/svg+xml")
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log().Debugw("request", "method", r.Method, "path", r.URL.Path, "user", maskEmail(getUserID(r)))
		next.ServeHTTP(w, r)
	})
}
