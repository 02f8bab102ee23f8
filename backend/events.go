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
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/ttbt-io/cricketscorer/backend/cricket"
)

const (
	eventStream        = "CRICKET_MATCHES"
	eventSubjectPrefix = "cricketscorer.matches"
)

// MatchEvent is published for every action applied to a match.
type MatchEvent struct {
	ID        string             `json:"id"` // action id
	MatchID   string             `json:"matchId"`
	Type      string             `json:"type"`
	Ball      *cricket.BallEvent `json:"ball,omitempty"`
	Score     string             `json:"score,omitempty"`
	Overs     string             `json:"overs,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// Subject returns the subject the event is published on, e.g.
// cricketscorer.matches.<id>.ball.
func (e MatchEvent) Subject() string {
	kind := strings.ToLower(strings.ReplaceAll(e.Type, "_", "-"))
	return fmt.Sprintf("%s.%s.%s", eventSubjectPrefix, e.MatchID, kind)
}

// EventPublisher delivers match events to an external feed.
type EventPublisher interface {
	Publish(ctx context.Context, e MatchEvent) error
	Close() error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, MatchEvent) error { return nil }
func (noopPublisher) Close() error                              { return nil }

// NATSPublisher publishes match events to a JetStream stream. The action id
// is the message id so redelivered actions are deduplicated by the server.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSPublisher connects to url and ensures the match event stream
// exists.
func NewNATSPublisher(ctx context.Context, url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("cricketscorer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log().Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log().Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       eventStream,
		Subjects:   []string{eventSubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 2 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &NATSPublisher{nc: nc, js: js}, nil
}

// Publish sends the event and waits for the stream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, e MatchEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(ctx, e.Subject(), data, jetstream.WithMsgID(e.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", e.Subject(), err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// matchEvents builds the events for actions just applied to m.
func matchEvents(m *Match, sc cricket.Scorecard, actions []json.RawMessage) []MatchEvent {
	events := make([]MatchEvent, 0, len(actions))
	for _, raw := range actions {
		var a BaseAction
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		e := MatchEvent{
			ID:        a.ID,
			MatchID:   m.ID,
			Type:      a.Type,
			Timestamp: a.Timestamp,
		}
		if a.Type == ActionBall {
			var b cricket.BallEvent
			if err := json.Unmarshal(a.Payload, &b); err == nil {
				e.Ball = &b
			}
		}
		if m.Details != nil {
			e.Score = sc.Summary.Score()
			e.Overs = sc.Summary.Overs
		}
		events = append(events, e)
	}
	return events
}
