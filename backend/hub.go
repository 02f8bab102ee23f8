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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// hubIdleTimeout is how long a hub without clients stays alive.
	hubIdleTimeout = 5 * time.Minute

	eventPublishTimeout = 5 * time.Second
)

var (
	// ErrConflict is returned when an action batch does not extend the
	// server history.
	ErrConflict = errors.New("conflict")
	// ErrHubBusy is returned when a match hub cannot accept more requests.
	ErrHubBusy = errors.New("match hub is busy")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin       = "JOIN"
	MsgTypeAck        = "ACK"
	MsgTypeAction     = "ACTION"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeDeleted    = "DELETED"
	MsgTypeError      = "ERROR"
	MsgTypePing       = "PING"
	MsgTypePong       = "PONG"
)

// Message is the envelope exchanged with live clients and the action API.
type Message struct {
	Type         string            `json:"type"`
	MatchID      string            `json:"matchId,omitempty"`
	LastRevision string            `json:"lastRevision,omitempty"`
	BaseRevision string            `json:"baseRevision,omitempty"`
	Revision     string            `json:"revision,omitempty"`
	Action       json.RawMessage   `json:"action,omitempty"`
	Actions      []json.RawMessage `json:"actions,omitempty"`
	Error        string            `json:"error,omitempty"`

	// Append applies new actions after the server head instead of
	// BaseRevision.
	Append bool `json:"append,omitempty"`
}

func (m Message) batch() []json.RawMessage {
	if len(m.Actions) > 0 {
		return m.Actions
	}
	if len(m.Action) > 0 {
		return []json.RawMessage{m.Action}
	}
	return nil
}

// HubRequest types
const (
	ReqTypeWSJoin    = "WS_JOIN"
	ReqTypeLoad      = "LOAD"
	ReqTypeAction    = "ACTION"
	ReqTypeBroadcast = "BROADCAST"
	ReqTypeEvict     = "EVICT"
)

// HubRequest is a unit of work serialized by a match hub.
type HubRequest struct {
	Type       string
	Client     *wsClient        // WS_JOIN
	UserID     string           // ACTION
	Headers    http.Header      // ACTION, forwarded to the leader
	Message    Message          // WS_JOIN, ACTION
	Match      *Match           // BROADCAST
	NumActions int              // BROADCAST: actions to send from the end of the log
	Reply      chan HubResponse // LOAD, ACTION
}

// HubResponse is the reply to a LOAD or ACTION request. Match is a copy the
// caller may keep.
type HubResponse struct {
	Message *Message `json:"message,omitempty"`
	Match   *Match   `json:"match,omitempty"`
	Error   error    `json:"-"`
}

// Hub owns the in-memory state of one match and its live clients. All
// reads and writes of the match go through its goroutine.
type Hub struct {
	matchID string

	clients    map[*wsClient]bool
	requests   chan HubRequest
	register   chan *wsClient
	unregister chan *wsClient

	match *Match

	hm *HubManager
}

func newHub(id string, hm *HubManager) *Hub {
	return &Hub{
		matchID:    id,
		requests:   make(chan HubRequest, 64), // Buffered so FSM updates are not dropped
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		hm:         hm,
	}
}

func (h *Hub) run() {
	idle := time.NewTicker(hubIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
		case req := <-h.requests:
			h.handle(req)
		case <-idle.C:
			if len(h.clients) == 0 && len(h.requests) == 0 && h.hm.RemoveHub(h) {
				return
			}
		}
	}
}

func (h *Hub) handle(req HubRequest) {
	switch req.Type {
	case ReqTypeBroadcast:
		h.handleBroadcast(req.Match, req.NumActions)
		return
	case ReqTypeEvict:
		h.match = nil
		h.broadcast(Message{Type: MsgTypeDeleted, MatchID: h.matchID})
		return
	}

	if err := h.ensureLoaded(); err != nil {
		log().Errorw("hub: error loading match", "matchId", h.matchID, "error", err)
		if req.Client != nil {
			req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading match"})
		}
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	switch req.Type {
	case ReqTypeWSJoin:
		if req.Client != nil && h.clients[req.Client] {
			h.handleWSJoin(req.Client, req.Message)
		}
	case ReqTypeLoad:
		if !h.match.Exists() || h.match.Status == StatusDeleted {
			req.Reply <- HubResponse{Error: os.ErrNotExist}
			return
		}
		req.Reply <- HubResponse{Match: h.match.Clone()}
	case ReqTypeAction:
		h.handleAction(req)
	}
}

func (h *Hub) ensureLoaded() error {
	if h.match != nil {
		return nil
	}
	m, err := h.hm.ms.LoadMatch(h.matchID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m = &Match{ID: h.matchID}
			m.normalize()
			h.match = m
			return nil
		}
		return err
	}
	h.match = m
	return nil
}

func (h *Hub) handleBroadcast(m *Match, numActions int) {
	if m == nil {
		return
	}
	h.match = m
	if numActions <= 0 {
		return
	}
	numActions = min(numActions, len(m.ActionLog))
	for _, action := range m.ActionLog[len(m.ActionLog)-numActions:] {
		h.broadcast(Message{Type: MsgTypeAction, MatchID: h.matchID, Action: action, Revision: m.Revision()})
	}
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			client.close()
			delete(h.clients, client)
		}
	}
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	if h.match.Status == StatusDeleted {
		c.sendJSON(Message{Type: MsgTypeDeleted, MatchID: h.matchID})
		return
	}
	if h.match.Exists() {
		if GetMatchAccess(c.userID, *h.match) < AccessRead {
			log().Warnw("forbidden join", "user", maskEmail(c.userID), "matchId", h.matchID)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Forbidden: You do not have access to this match"})
			return
		}
	} else if msg.LastRevision != "" {
		c.sendJSON(Message{Type: MsgTypeConflict, Error: "Match not found on server"})
		return
	}

	serverRevision := h.match.Revision()
	if msg.LastRevision == "" || msg.LastRevision == serverRevision {
		c.sendJSON(Message{Type: MsgTypeAck, Revision: serverRevision})
		return
	}

	missing := getActionsSince(h.match.ActionLog, msg.LastRevision)
	if missing == nil {
		c.sendJSON(Message{Type: MsgTypeConflict, Error: "Client history is divergent from server", BaseRevision: serverRevision})
		return
	}
	c.sendJSON(Message{Type: MsgTypeSyncUpdate, Actions: missing, Revision: serverRevision})
}

func (h *Hub) handleAction(req HubRequest) {
	response, broadcasts, err := h.processAction(req.Message, req.UserID)
	if errors.Is(err, ErrNotLeader) && h.hm.rm != nil {
		// The leader answers over HTTP; do not hold up this hub meanwhile.
		go func() {
			resp, err := h.hm.rm.forwardAction(req.Message, req.UserID, req.Headers)
			if err != nil {
				req.Reply <- HubResponse{Error: err}
				return
			}
			req.Reply <- resp
		}()
		return
	}
	if err != nil {
		req.Reply <- HubResponse{Error: err}
		return
	}
	for _, b := range broadcasts {
		h.broadcast(b)
	}
	req.Reply <- HubResponse{Message: response, Match: h.match.Clone()}
}

func (h *Hub) requiredAccess(actionType string) AccessLevel {
	if actionType == ActionPermissions {
		return AccessAdmin
	}
	return AccessWrite
}

// processAction authorizes, validates and applies a batch of actions.
// Conflicts are reported in the returned message; errors wrap ErrInvalid,
// ErrForbidden, ErrNoMatch, ErrNotLeader or os.ErrNotExist.
func (h *Hub) processAction(msg Message, userID string) (*Message, []Message, error) {
	actions := msg.batch()
	if len(actions) == 0 {
		return nil, nil, invalidf("no actions")
	}
	if len(actions) > maxBatchSize {
		return nil, nil, invalidf("batch size too large (max %d)", maxBatchSize)
	}
	if err := ValidateActions(actions); err != nil {
		log().Infow("invalid actions", "user", maskEmail(userID), "matchId", h.matchID, "error", err)
		return nil, nil, err
	}
	if h.match.Status == StatusDeleted {
		return nil, nil, os.ErrNotExist
	}

	exists := h.match.Exists()
	access := GetMatchAccess(userID, *h.match)
	creating := false
	for _, raw := range actions {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.Type == ActionMatchSetup && !exists && !creating {
			var p MatchSetupPayload
			if err := json.Unmarshal(a.Payload, &p); err == nil && userID != "" && normalizeEmail(p.OwnerID) == userID {
				creating = true
				access = AccessAdmin
			}
		}
		if !exists && !creating && a.Type != ActionMatchSetup {
			return &Message{Type: MsgTypeConflict, Error: "Match not found on server"}, nil, nil
		}
		if access < h.requiredAccess(a.Type) {
			log().Warnw("forbidden action", "user", maskEmail(userID), "type", a.Type, "matchId", h.matchID)
			if userID == "" {
				return nil, nil, fmt.Errorf("%w: login required", ErrForbidden)
			}
			return nil, nil, fmt.Errorf("%w: insufficient access to this match", ErrForbidden)
		}
	}

	if creating {
		if err := h.hm.ac.CheckMatchQuota(userID, h.hm.r.CountOwnedMatches(userID)); err != nil {
			return nil, nil, err
		}
	}

	// The local copy may be stale on a follower.
	if h.hm.rm != nil && !h.hm.rm.IsLeader() {
		return nil, nil, ErrNotLeader
	}

	base := msg.BaseRevision
	if msg.Append {
		base = h.match.Revision()
	}
	actions, conflict := h.trimApplied(base, actions, userID)
	if conflict != nil {
		return conflict, nil, nil
	}
	if len(actions) == 0 {
		return &Message{Type: MsgTypeAck, Revision: h.match.Revision()}, nil, nil
	}

	if err := ValidateActionsForMatch(h.match, h.hm.r.Catalog(), actions); err != nil {
		return nil, nil, err
	}

	if h.hm.rm != nil {
		cmd := RaftCommand{
			Type: CmdApplyAction,
			ID:   h.matchID,
			Action: &ActionPayload{
				MatchID: h.matchID,
				Actions: actions,
				UserID:  userID,
			},
		}
		if _, err := h.hm.rm.Propose(cmd); err != nil {
			return nil, nil, err
		}
		// The FSM has applied the entry; its broadcast is queued behind us.
		if m, err := h.hm.ms.LoadMatch(h.matchID); err == nil {
			h.match = m
		}
		return &Message{Type: MsgTypeAck, Revision: h.match.Revision()}, nil, nil
	}

	// Apply to a clone so a failure leaves the hub state untouched.
	clone := h.match.Clone()
	changed, err := ApplyActions(clone, actions)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		return &Message{Type: MsgTypeAck, Revision: h.match.Revision()}, nil, nil
	}
	if err := h.hm.ms.SaveMatchInMemory(clone, true); err != nil {
		return nil, nil, fmt.Errorf("saving match: %w", err)
	}
	h.match = clone
	h.hm.r.UpdateMatch(*clone)
	h.hm.recordApplied(clone, actions)

	msgs := make([]Message, 0, len(actions))
	for _, a := range actions {
		msgs = append(msgs, Message{Type: MsgTypeAction, MatchID: h.matchID, Action: a, Revision: clone.Revision()})
	}
	return &Message{Type: MsgTypeAck, Revision: clone.Revision()}, msgs, nil
}

// trimApplied drops the leading actions of a retried batch that the server
// already holds. It returns a CONFLICT message when the batch does not
// extend the server history from baseRevision.
func (h *Hub) trimApplied(baseRevision string, actions []json.RawMessage, userID string) ([]json.RawMessage, *Message) {
	head := h.match.Revision()
	if len(h.match.ActionLog) == 0 || baseRevision == head {
		return actions, nil
	}

	matchIndex := -1
	if baseRevision != "" {
		matchIndex = indexOfAction(h.match.ActionLog, baseRevision)
		if matchIndex < 0 {
			log().Infow("conflict: base revision not found", "base", baseRevision, "head", head, "user", maskEmail(userID))
			h.hm.metrics.Conflicts.Inc()
			return nil, &Message{Type: MsgTypeConflict, Error: "Base revision not found", BaseRevision: head}
		}
	}

	serverIdx, batchIdx := matchIndex+1, 0
	for serverIdx < len(h.match.ActionLog) && batchIdx < len(actions) {
		if actionID(h.match.ActionLog[serverIdx]) != actionID(actions[batchIdx]) {
			h.hm.metrics.Conflicts.Inc()
			return nil, &Message{Type: MsgTypeConflict, Error: "History divergence", BaseRevision: head}
		}
		serverIdx++
		batchIdx++
	}
	if serverIdx < len(h.match.ActionLog) {
		// The batch is a strict prefix of what followed its base; the
		// client is behind and must sync first.
		h.hm.metrics.Conflicts.Inc()
		return nil, &Message{Type: MsgTypeConflict, Error: "Client is behind the server", BaseRevision: head}
	}
	return actions[batchIdx:], nil
}

func actionID(raw json.RawMessage) string {
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return ""
	}
	return a.ID
}

func indexOfAction(actionLog []json.RawMessage, id string) int {
	for i := len(actionLog) - 1; i >= 0; i-- {
		if actionID(actionLog[i]) == id {
			return i
		}
	}
	return -1
}

func getCurrentRevision(actionLog []json.RawMessage) string {
	if len(actionLog) == 0 {
		return ""
	}
	return actionID(actionLog[len(actionLog)-1])
}

// getActionsSince returns the actions after revision, or nil when the
// revision is unknown.
func getActionsSince(actionLog []json.RawMessage, revision string) []json.RawMessage {
	if revision == "" {
		return actionLog
	}
	i := indexOfAction(actionLog, revision)
	if i < 0 {
		return nil
	}
	return actionLog[i+1:]
}

// HubManager owns the match hubs and the services they share.
type HubManager struct {
	mu   sync.Mutex
	hubs map[string]*Hub

	ms      *MatchStore
	r       *Registry
	ac      *AccessControl
	rm      *RaftManager
	metrics *Metrics
	events  EventPublisher
}

// NewHubManager creates a HubManager. A nil events publisher disables the
// event feed.
func NewHubManager(ms *MatchStore, r *Registry, ac *AccessControl, metrics *Metrics, events EventPublisher) *HubManager {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &HubManager{
		hubs:    make(map[string]*Hub),
		ms:      ms,
		r:       r,
		ac:      ac,
		metrics: metrics,
		events:  events,
	}
}

// SetRaftManager switches the hubs to replicated writes.
func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

// GetHub returns the hub of a match, starting it if needed.
func (hm *HubManager) GetHub(id string) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, hm)
	hm.hubs[id] = hub
	hm.metrics.ActiveHubs.Inc()
	go hub.run()
	return hub
}

// RemoveHub unregisters an idle hub. It returns false if the hub received
// work in the meantime and must keep running.
func (hm *HubManager) RemoveHub(h *Hub) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if len(h.requests) > 0 {
		return false
	}
	if hm.hubs[h.matchID] == h {
		delete(hm.hubs, h.matchID)
		hm.metrics.ActiveHubs.Dec()
	}
	return true
}

// Submit sends a request to the hub of matchID and waits for the reply.
func (hm *HubManager) Submit(ctx context.Context, matchID string, req HubRequest) (HubResponse, error) {
	req.Reply = make(chan HubResponse, 1)
	hub := hm.GetHub(matchID)
	select {
	case hub.requests <- req:
	default:
		hm.metrics.HubBusy.WithLabelValues(req.Type).Inc()
		return HubResponse{}, ErrHubBusy
	}
	select {
	case resp := <-req.Reply:
		return resp, resp.Error
	case <-ctx.Done():
		return HubResponse{}, ctx.Err()
	}
}

// notify queues a request for a running hub without waiting. Matches
// without a hub have no clients and need no notification.
func (hm *HubManager) notify(matchID string, req HubRequest) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hub, ok := hm.hubs[matchID]
	if !ok {
		return
	}
	select {
	case hub.requests <- req:
	default:
		log().Warnw("hub channel full, dropping notification", "matchId", matchID, "type", req.Type)
	}
}

// BroadcastToMatch hands a new match state to its hub, which sends the
// last numActions actions to the connected clients.
func (hm *HubManager) BroadcastToMatch(m *Match, numActions int) {
	hm.notify(m.ID, HubRequest{Type: ReqTypeBroadcast, Match: m, NumActions: numActions})
}

// EvictMatch tells the hub of a deleted match to drop its state.
func (hm *HubManager) EvictMatch(matchID string) {
	hm.notify(matchID, HubRequest{Type: ReqTypeEvict})
}

// recordApplied updates metrics and publishes events for applied actions.
func (hm *HubManager) recordApplied(m *Match, actions []json.RawMessage) {
	for _, raw := range actions {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		hm.metrics.ActionsApplied.WithLabelValues(a.Type).Inc()
		if a.Type == ActionBall {
			var b struct {
				ExtraType string `json:"extraType"`
				IsWicket  bool   `json:"isWicket"`
			}
			json.Unmarshal(a.Payload, &b)
			hm.metrics.BallsRecorded.WithLabelValues(ballOutcome(b.ExtraType, b.IsWicket)).Inc()
		}
	}
	if _, ok := hm.events.(noopPublisher); ok {
		return
	}
	if hm.rm != nil && !hm.rm.IsLeader() {
		return
	}
	events := matchEvents(m, hm.r.Scorecard(m), actions)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		defer cancel()
		for _, e := range events {
			result := "ok"
			if err := hm.events.Publish(ctx, e); err != nil {
				log().Warnw("failed to publish match event", "matchId", e.MatchID, "type", e.Type, "error", err)
				result = "error"
			}
			hm.metrics.EventsPublished.WithLabelValues(result).Inc()
		}
	}()
}

// wsClient is a middleman between the websocket connection and the hub.
// send is never closed; done tells writePump to hang up.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	userID string

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(hub *Hub, conn *websocket.Conn, userID string) *wsClient {
	return &wsClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, 256),
		userID: userID,
		done:   make(chan struct{}),
	}
}

// close detaches the client. It is safe to call more than once.
func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		c.hub.hm.metrics.WSClients.Dec()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log().Debugw("websocket read error", "error", err)
			}
			return
		}
		switch msg.Type {
		case MsgTypeJoin:
			select {
			case c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}:
			default:
				c.sendJSON(Message{Type: MsgTypeError, Error: "Server is busy"})
			}
		case MsgTypePing:
			c.sendJSON(Message{Type: MsgTypePong})
		default:
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues msg unless the client is gone or its buffer is full.
func (c *wsClient) sendJSON(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
	}
}

// ServeWS upgrades the request and attaches the client to the match hub.
func ServeWS(hm *HubManager, w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("matchId")
	if !isValidUUID(matchID) {
		http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log().Debugw("websocket upgrade failed", "error", err)
		return
	}
	hub := hm.GetHub(matchID)
	client := newWSClient(hub, conn, getUserID(r))
	hub.register <- client
	hm.metrics.WSClients.Inc()

	go client.writePump()
	go client.readPump()
}
