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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

var ErrNotLeader = errors.New("not leader")

const (
	raftSecretHeader    = "X-Raft-Secret"
	raftForwardedHeader = "X-Raft-Forwarded"
	raftUserHeader      = "X-Raft-User"

	applyTimeout = 5 * time.Second
)

// RaftManager runs the local Raft node and the cluster HTTP endpoints.
type RaftManager struct {
	Raft                  *raft.Raft
	FSM                   *FSM
	DataDir               string
	Bind                  string // "host:port" for Raft transport
	Advertise             string // "host:port" advertised to other nodes for Raft
	HTTPAdvertise         string // base URL other nodes use for the cluster API
	NodeID                string
	Secret                string
	Bootstrap             bool
	UseProductionTimeouts bool

	// MasterKey, when set, seals the Raft log and snapshots at rest.
	MasterKey crypto.MasterKey

	LogOutput io.Writer // Optional: Redirect Raft logs

	httpClient   *http.Client
	boltStore    *raftboltdb.BoltStore
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewRaftManager creates a RaftManager bound to an FSM.
func NewRaftManager(dataDir, bind, advertise, httpAdvertise, secret string, masterKey crypto.MasterKey, fsm *FSM) *RaftManager {
	rm := &RaftManager{
		MasterKey:     masterKey,
		DataDir:       dataDir,
		Bind:          bind,
		Advertise:     advertise,
		HTTPAdvertise: httpAdvertise,
		Secret:        secret,
		FSM:           fsm,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		shutdownCh:    make(chan struct{}),
	}
	if fsm != nil {
		fsm.rm = rm
	}
	return rm
}

// loadOrCreateNodeID returns the persistent id of this node.
func (rm *RaftManager) loadOrCreateNodeID() (string, error) {
	path := filepath.Join(rm.DataDir, "node-id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}

// Start opens the stores, starts the transport and the Raft node. With
// bootstrap set, a single-node cluster is created and the local data is
// proposed into the log.
func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap
	if err := os.MkdirAll(rm.DataDir, 0755); err != nil {
		return err
	}
	if rm.NodeID == "" {
		id, err := rm.loadOrCreateNodeID()
		if err != nil {
			return fmt.Errorf("failed to load node id: %w", err)
		}
		rm.NodeID = id
	}
	if rm.LogOutput == nil {
		rm.LogOutput = &zapio.Writer{Log: log().Desugar().Named("raft"), Level: zap.InfoLevel}
	}
	log().Infow("starting raft", "nodeId", rm.NodeID, "bind", rm.Bind)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	if rm.UseProductionTimeouts {
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		// Faster timeouts for tests
		config.HeartbeatTimeout = 1000 * time.Millisecond
		config.ElectionTimeout = 1000 * time.Millisecond
		config.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	config.CommitTimeout = 500 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 8192
	config.LogOutput = rm.LogOutput

	advertise := rm.Advertise
	if advertise == "" {
		advertise = rm.Bind
	}
	addr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return fmt.Errorf("invalid raft advertise address %q: %w", advertise, err)
	}
	transport, err := raft.NewTCPTransport(rm.Bind, addr, 3, 10*time.Second, rm.LogOutput)
	if err != nil {
		return err
	}

	// A single bolt file holds both the log and the stable store.
	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft.bolt"))
	if err != nil {
		return err
	}
	rm.boltStore = boltStore

	var logStore raft.LogStore = boltStore
	var snapshotStore raft.SnapshotStore
	if snapshotStore, err = raft.NewFileSnapshotStore(rm.DataDir, 2, rm.LogOutput); err != nil {
		return err
	}
	if rm.MasterKey != nil {
		key, err := loadLogKey(rm.DataDir, rm.MasterKey)
		if err != nil {
			return err
		}
		logStore = newSealedLogStore(boltStore, key)
		snapshotStore = newSealedSnapshotStore(snapshotStore, key)
	}

	r, err := raft.NewRaft(config, rm.FSM, logStore, boltStore, snapshotStore, transport)
	if err != nil {
		return err
	}
	rm.Raft = r

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			if !errors.Is(err, raft.ErrCantBootstrap) {
				return err
			}
			log().Infow("raft cluster already bootstrapped")
		} else {
			go rm.ingestLocalData()
		}
	}
	go rm.announceOnLeadership()
	return nil
}

// announceOnLeadership records this node's HTTP address in the FSM each
// time it becomes leader, so followers can forward to it.
func (rm *RaftManager) announceOnLeadership() {
	for {
		select {
		case isLeader := <-rm.Raft.LeaderCh():
			if !isLeader {
				continue
			}
			cmd := RaftCommand{Type: CmdNodeMeta, NodeMeta: rm.nodeMeta()}
			if _, err := rm.Propose(cmd); err != nil {
				log().Warnw("failed to announce node metadata", "error", err)
			}
		case <-rm.shutdownCh:
			return
		}
	}
}

func (rm *RaftManager) nodeMeta() *NodeMeta {
	return &NodeMeta{
		NodeID:          rm.NodeID,
		HttpAddr:        rm.HTTPAdvertise,
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
		SchemaVersion:   CurrentSchemaVersion,
	}
}

// ingestLocalData proposes the matches and teams found on disk when a
// standalone node bootstraps a cluster.
func (rm *RaftManager) ingestLocalData() {
	if err := rm.waitForLeader(30 * time.Second); err != nil {
		log().Errorw("raft ingestion aborted", "error", err)
		return
	}
	matches, teams := 0, 0
	for m, err := range rm.FSM.ms.ListAllMatches() {
		if err != nil {
			log().Errorw("failed to list matches for ingestion", "error", err)
			break
		}
		m.LastRaftIndex = 0
		data, _ := json.Marshal(m)
		raw := json.RawMessage(data)
		if _, err := rm.Propose(RaftCommand{Type: CmdSaveMatch, ID: m.ID, MatchData: &raw}); err != nil {
			log().Warnw("failed to ingest match", "matchId", m.ID, "error", err)
			continue
		}
		matches++
	}
	for t, err := range rm.FSM.ts.ListAllTeams() {
		if err != nil {
			log().Errorw("failed to list teams for ingestion", "error", err)
			break
		}
		t.LastRaftIndex = 0
		data, _ := json.Marshal(t)
		raw := json.RawMessage(data)
		if _, err := rm.Propose(RaftCommand{Type: CmdSaveTeam, ID: t.ID, TeamData: &raw}); err != nil {
			log().Warnw("failed to ingest team", "teamId", t.ID, "error", err)
			continue
		}
		teams++
	}
	log().Infow("raft ingestion complete", "matches", matches, "teams", teams)
}

func (rm *RaftManager) waitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rm.IsLeader() {
			return nil
		}
		select {
		case <-rm.shutdownCh:
			return errors.New("shutting down")
		case <-time.After(100 * time.Millisecond):
		}
	}
	return errors.New("timeout waiting for leadership")
}

// IsLeader reports whether this node is the cluster leader.
func (rm *RaftManager) IsLeader() bool {
	return rm.Raft != nil && rm.Raft.State() == raft.Leader
}

// WaitForSync blocks until the Raft FSM has applied all entries currently in the log.
// This prevents serving stale data immediately after a restart while the log is being replayed.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	if rm.Raft == nil {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
			if rm.Raft.AppliedIndex() >= rm.Raft.LastIndex() {
				return nil
			}
		}
	}
}

// Propose replicates a command and returns its log index. Errors returned
// by the FSM are passed through.
func (rm *RaftManager) Propose(cmd RaftCommand) (uint64, error) {
	if !rm.IsLeader() {
		return 0, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}
	f := rm.Raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, ErrNotLeader
		}
		return 0, err
	}
	if err, ok := f.Response().(error); ok {
		return f.Index(), err
	}
	return f.Index(), nil
}

// GetLeaderHTTPAddr returns the HTTP address of the current leader.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

func (rm *RaftManager) leaderURL(path string) (string, error) {
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		return "", fmt.Errorf("%w: no leader found", ErrNotLeader)
	}
	if !strings.HasPrefix(leaderAddr, "http://") && !strings.HasPrefix(leaderAddr, "https://") {
		leaderAddr = "http://" + leaderAddr
	}
	return strings.TrimSuffix(leaderAddr, "/") + path, nil
}

func (rm *RaftManager) forwardedChain(h http.Header) (string, bool) {
	forwarded := h.Get(raftForwardedHeader)
	for _, id := range strings.Split(forwarded, ",") {
		if strings.TrimSpace(id) == rm.NodeID {
			return "", false
		}
	}
	if forwarded == "" {
		return rm.NodeID, true
	}
	return forwarded + "," + rm.NodeID, true
}

func (rm *RaftManager) checkSecret(r *http.Request) bool {
	return rm.Secret != "" && r.Header.Get(raftSecretHeader) == rm.Secret
}

// forwardAction sends an action batch to the leader on behalf of userID.
func (rm *RaftManager) forwardAction(msg Message, userID string, headers http.Header) (HubResponse, error) {
	target, err := rm.leaderURL("/api/cluster/action")
	if err != nil {
		return HubResponse{}, err
	}
	chain, ok := rm.forwardedChain(headers)
	if !ok {
		return HubResponse{}, errors.New("forwarding loop detected")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return HubResponse{}, err
	}
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return HubResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(raftSecretHeader, rm.Secret)
	req.Header.Set(raftForwardedHeader, chain)
	req.Header.Set(raftUserHeader, userID)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return HubResponse{}, fmt.Errorf("forwarding to leader: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return HubResponse{}, errorFromStatus(resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out HubResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HubResponse{}, fmt.Errorf("decoding leader response: %w", err)
	}
	return out, nil
}

// forwardRequestToLeader proxies an HTTP request to the leader.
func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request, body []byte) {
	target, err := rm.leaderURL(r.URL.RequestURI())
	if err != nil {
		http.Error(w, "No leader found", http.StatusServiceUnavailable)
		return
	}
	chain, ok := rm.forwardedChain(r.Header)
	if !ok {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Failed to create forward request", http.StatusInternalServerError)
		return
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	req.Header.Set(raftForwardedHeader, chain)
	req.Header.Set(raftSecretHeader, rm.Secret)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleAction applies an action batch forwarded by a follower.
func (rm *RaftManager) handleAction(hm *HubManager, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return
	}
	if _, ok := rm.forwardedChain(r.Header); !ok {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}
	if !isValidUUID(msg.MatchID) {
		http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
		return
	}
	userID := normalizeEmail(r.Header.Get(raftUserHeader))

	resp, err := hm.Submit(r.Context(), msg.MatchID, HubRequest{
		Type:    ReqTypeAction,
		UserID:  userID,
		Headers: r.Header,
		Message: msg,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleJoin adds the calling node to the cluster.
func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if !rm.IsLeader() {
		rm.forwardRequestToLeader(w, r, body)
		return
	}

	var data struct {
		NodeMeta
		RaftAddr string `json:"raftAddr"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if data.NodeID == "" || data.HttpAddr == "" {
		http.Error(w, "Missing required fields: nodeId and httpAddr are required", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(data.RaftAddr); err != nil {
		http.Error(w, "Invalid raftAddr: must be host:port", http.StatusBadRequest)
		return
	}
	if data.ProtocolVersion != 0 && data.ProtocolVersion != CurrentProtocolVersion {
		http.Error(w, fmt.Sprintf("Unsupported protocol version %d", data.ProtocolVersion), http.StatusBadRequest)
		return
	}

	meta := data.NodeMeta
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: &meta}); err != nil {
		http.Error(w, fmt.Sprintf("Failed to store node metadata: %v", err), http.StatusInternalServerError)
		return
	}
	if err := rm.Raft.AddVoter(raft.ServerID(data.NodeID), raft.ServerAddress(data.RaftAddr), 0, 0).Error(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}
	log().Infow("node joined", "nodeId", data.NodeID, "raftAddr", data.RaftAddr)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s joined cluster", data.NodeID)
}

// Join asks the node at leaderAddr to add this node to its cluster.
func (rm *RaftManager) Join(ctx context.Context, leaderAddr string) error {
	advertise := rm.Advertise
	if advertise == "" {
		advertise = rm.Bind
	}
	data := struct {
		NodeMeta
		RaftAddr string `json:"raftAddr"`
	}{NodeMeta: *rm.nodeMeta(), RaftAddr: advertise}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(leaderAddr, "http://") && !strings.HasPrefix(leaderAddr, "https://") {
		leaderAddr = "http://" + leaderAddr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(leaderAddr, "/")+"/api/cluster/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(raftSecretHeader, rm.Secret)
	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("join failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return nil
}

// handleStatus reports the node's view of the cluster.
func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	// Require Secret for status to prevent leaking topology.
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	_, leaderID := rm.Raft.LeaderWithID()
	status := map[string]any{
		"nodeId":           rm.NodeID,
		"state":            rm.Raft.State().String(),
		"leaderId":         string(leaderID),
		"leaderAddr":       rm.GetLeaderHTTPAddr(),
		"lastIndex":        rm.Raft.LastIndex(),
		"appliedIndex":     rm.Raft.AppliedIndex(),
		"lastAppliedIndex": rm.FSM.LastAppliedIndex(),
		"appVersion":       CurrentAppVersion,
		"protocolVersion":  CurrentProtocolVersion,
		"schemaVersion":    CurrentSchemaVersion,
	}
	configFuture := rm.Raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		var nodes []map[string]any
		for _, s := range configFuture.Configuration().Servers {
			node := map[string]any{
				"id":       string(s.ID),
				"raftAddr": string(s.Address),
				"suffrage": s.Suffrage.String(),
			}
			if meta := rm.FSM.GetNodeMeta(string(s.ID)); meta != nil {
				node["httpAddr"] = meta.HttpAddr
				node["appVersion"] = meta.AppVersion
				node["protocolVersion"] = meta.ProtocolVersion
				node["schemaVersion"] = meta.SchemaVersion
			}
			nodes = append(nodes, node)
		}
		status["nodes"] = nodes
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Shutdown gracefully shuts down the Raft node.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)
	})
	if rm.Raft == nil {
		return rm.closeStores()
	}
	if rm.IsLeader() {
		if err := rm.Raft.LeadershipTransfer().Error(); err != nil {
			log().Infow("leadership transfer failed (continuing)", "error", err)
		}
	}
	raftErr := rm.Raft.Shutdown().Error()
	if err := rm.closeStores(); err != nil && raftErr == nil {
		raftErr = err
	}
	return raftErr
}

func (rm *RaftManager) closeStores() error {
	if rm.boltStore == nil {
		return nil
	}
	err := rm.boltStore.Close()
	rm.boltStore = nil
	return err
}
