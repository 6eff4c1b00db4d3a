// Package emitter sends deployment events to the webhook hub.
//
// The hub speaks a single envelope: a union of optional sections, one per
// downstream consumer. The response mirrors the request structurally, and
// every emit validates that the sections it sent came back acknowledged.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arcs-ctf/deployd/internal/domain"
)

// ChallRecord is the full challenge shape shipped to the SQL consumer.
type ChallRecord struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Points      uint64              `json:"points"`
	Visible     bool                `json:"visible"`
	Categories  []string            `json:"categories"`
	Authors     []string            `json:"authors,omitempty"`
	Hints       []string            `json:"hints,omitempty"`
	Flag        string              `json:"flag,omitempty"`
	Links       []domain.DeployLink `json:"links,omitempty"`
}

// SQLRequest asks the hub's SQL consumer to create or update a challenge row.
type SQLRequest struct {
	Table string        `json:"table"` // always "chall"
	Op    string        `json:"op"`    // "create" or "update"
	ID    domain.PollID `json:"id"`
	Data  *ChallRecord  `json:"data"`
}

// DiscordMessage is a developer alert relayed to the Discord consumer.
type DiscordMessage struct {
	Level   string `json:"level"` // "info" or "warn"
	Message string `json:"message"`
}

// FrontendSync tells the frontend consumer to refresh one entity.
type FrontendSync struct {
	Sync SyncTarget `json:"sync"`
}

// SyncTarget names the entity kind and id to refresh.
type SyncTarget struct {
	Type string        `json:"type"` // always "chall"
	ID   domain.PollID `json:"id"`
}

// ToWebhook is the outbound envelope. Only the sections relevant to the
// event are set.
type ToWebhook struct {
	// Deploy is part of the hub envelope but produced by other services.
	Deploy   json.RawMessage `json:"deploy,omitempty"`
	Discord  *DiscordMessage `json:"discord,omitempty"`
	Frontend *FrontendSync   `json:"frontend,omitempty"`
	SQL      *SQLRequest     `json:"sql,omitempty"`
}

// FromWebhook is the hub's structurally symmetric response.
type FromWebhook struct {
	Discord  *DiscordResult  `json:"discord,omitempty"`
	Frontend *FrontendResult `json:"frontend,omitempty"`
	SQL      *SQLResult      `json:"sql,omitempty"`
}

// DiscordResult acknowledges a relayed Discord message.
type DiscordResult struct {
	OK bool `json:"ok"`
}

// SQLResult acknowledges a SQL operation, echoing the row id.
type SQLResult struct {
	OK bool          `json:"ok"`
	ID domain.PollID `json:"id"`
}

// FrontendResult acknowledges a sync, echoing the entity id.
type FrontendResult struct {
	ID domain.PollID `json:"id"`
}

// Emitter posts envelopes to the hub with the webhook bearer token.
type Emitter struct {
	url    string
	token  string
	client *http.Client
}

// New creates an Emitter for the hub at url.
func New(url, token string) *Emitter {
	return &Emitter{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// EmitSuccess announces a completed deployment: a SQL chall.create carrying
// the full shape plus computed links, and a Discord info alert listing ports
// and links. Both sections must come back acknowledged and the SQL echo must
// match the poll id.
func (e *Emitter) EmitSuccess(ctx context.Context, meta domain.RequestMeta, rec *ChallRecord, ports []int32) error {
	resp, err := e.post(ctx, ToWebhook{
		SQL: &SQLRequest{
			Table: "chall",
			Op:    "create",
			ID:    meta.PollID,
			Data:  rec,
		},
		Discord: &DiscordMessage{
			Level:   "info",
			Message: successMessage(meta.ChallName, ports, rec.Links),
		},
	})
	if err != nil {
		return err
	}

	if resp.SQL == nil || !resp.SQL.OK {
		return fmt.Errorf("webhook hub: sql create for %s not acknowledged", meta.ChallName)
	}
	if resp.SQL.ID != meta.PollID {
		return fmt.Errorf("webhook hub: sql create echoed id %s, want %s", resp.SQL.ID, meta.PollID)
	}
	if resp.Discord == nil || !resp.Discord.OK {
		return fmt.Errorf("webhook hub: discord alert for %s not acknowledged", meta.ChallName)
	}
	return nil
}

// EmitFailure announces a failed deployment with a Discord warn message.
func (e *Emitter) EmitFailure(ctx context.Context, meta domain.RequestMeta, reason string) error {
	resp, err := e.post(ctx, ToWebhook{
		Discord: &DiscordMessage{
			Level:   "warn",
			Message: fmt.Sprintf("deployment of `%s` failed (poll %s):\n%s", meta.ChallName, meta.PollID, reason),
		},
	})
	if err != nil {
		return err
	}
	if resp.Discord == nil || !resp.Discord.OK {
		return fmt.Errorf("webhook hub: discord warn for %s not acknowledged", meta.ChallName)
	}
	return nil
}

// EmitSync asks the frontend to refresh the challenge; the hub must echo the
// same id back.
func (e *Emitter) EmitSync(ctx context.Context, pollID domain.PollID) error {
	resp, err := e.post(ctx, ToWebhook{
		Frontend: &FrontendSync{Sync: SyncTarget{Type: "chall", ID: pollID}},
	})
	if err != nil {
		return err
	}
	if resp.Frontend == nil || resp.Frontend.ID != pollID {
		return fmt.Errorf("webhook hub: frontend sync did not echo id %s", pollID)
	}
	return nil
}

// EmitUpdate announces edited challenge metadata with a SQL chall.update.
func (e *Emitter) EmitUpdate(ctx context.Context, meta domain.RequestMeta, rec *ChallRecord) error {
	resp, err := e.post(ctx, ToWebhook{
		SQL: &SQLRequest{
			Table: "chall",
			Op:    "update",
			ID:    meta.PollID,
			Data:  rec,
		},
	})
	if err != nil {
		return err
	}
	if resp.SQL == nil || !resp.SQL.OK {
		return fmt.Errorf("webhook hub: sql update for %s not acknowledged", meta.ChallName)
	}
	if resp.SQL.ID != meta.PollID {
		return fmt.Errorf("webhook hub: sql update echoed id %s, want %s", resp.SQL.ID, meta.PollID)
	}
	return nil
}

func (e *Emitter) post(ctx context.Context, payload ToWebhook) (*FromWebhook, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook hub: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook hub: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("webhook hub answered %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out FromWebhook
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("webhook hub: decode response: %w", err)
	}
	return &out, nil
}

// successMessage formats the multi-line Discord alert for a deployment.
func successMessage(challName string, ports []int32, links []domain.DeployLink) string {
	var b strings.Builder
	fmt.Fprintf(&b, "challenge `%s` deployed", challName)
	if len(ports) > 0 {
		b.WriteString("\nports:")
		for _, p := range ports {
			fmt.Fprintf(&b, " %d", p)
		}
	}
	for _, l := range links {
		fmt.Fprintf(&b, "\n%s: %s", l.Type, l.Link)
	}
	return b.String()
}
