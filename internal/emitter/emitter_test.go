package emitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arcs-ctf/deployd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hub(t *testing.T, respond func(in ToWebhook) FromWebhook) (*httptest.Server, *ToWebhook) {
	t.Helper()
	var last ToWebhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hub-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(respond(last)))
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

func testRecord() *ChallRecord {
	return &ChallRecord{
		Name:       "web-chall",
		Points:     500,
		Categories: []string{"web"},
		Links: []domain.DeployLink{
			{Type: domain.TargetWeb, Link: "challs.example.com:30100"},
		},
	}
}

func TestEmitSuccess(t *testing.T) {
	id := domain.NewPollID()
	meta := domain.NewRequestMeta(id, "web-chall", "deploy")

	srv, last := hub(t, func(in ToWebhook) FromWebhook {
		return FromWebhook{
			SQL:     &SQLResult{OK: true, ID: in.SQL.ID},
			Discord: &DiscordResult{OK: true},
		}
	})

	e := New(srv.URL, "hub-token")
	require.NoError(t, e.EmitSuccess(context.Background(), meta, testRecord(), []int32{30100}))

	require.NotNil(t, last.SQL)
	assert.Equal(t, "chall", last.SQL.Table)
	assert.Equal(t, "create", last.SQL.Op)
	assert.Equal(t, id, last.SQL.ID)
	assert.Equal(t, "web-chall", last.SQL.Data.Name)

	require.NotNil(t, last.Discord)
	assert.Equal(t, "info", last.Discord.Level)
	assert.Contains(t, last.Discord.Message, "30100")
	assert.Contains(t, last.Discord.Message, "challs.example.com:30100")
}

func TestEmitSuccess_WrongEchoedIDFails(t *testing.T) {
	meta := domain.NewRequestMeta(domain.NewPollID(), "web-chall", "deploy")

	srv, _ := hub(t, func(in ToWebhook) FromWebhook {
		return FromWebhook{
			SQL:     &SQLResult{OK: true, ID: domain.NewPollID()},
			Discord: &DiscordResult{OK: true},
		}
	})

	e := New(srv.URL, "hub-token")
	err := e.EmitSuccess(context.Background(), meta, testRecord(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "echoed id")
}

func TestEmitSuccess_MissingDiscordAckFails(t *testing.T) {
	meta := domain.NewRequestMeta(domain.NewPollID(), "web-chall", "deploy")

	srv, _ := hub(t, func(in ToWebhook) FromWebhook {
		return FromWebhook{SQL: &SQLResult{OK: true, ID: in.SQL.ID}}
	})

	e := New(srv.URL, "hub-token")
	err := e.EmitSuccess(context.Background(), meta, testRecord(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord")
}

func TestEmitFailure(t *testing.T) {
	meta := domain.NewRequestMeta(domain.NewPollID(), "pwn-chall", "deploy")

	srv, last := hub(t, func(ToWebhook) FromWebhook {
		return FromWebhook{Discord: &DiscordResult{OK: true}}
	})

	e := New(srv.URL, "hub-token")
	require.NoError(t, e.EmitFailure(context.Background(), meta, "build failed: step 3"))

	require.NotNil(t, last.Discord)
	assert.Equal(t, "warn", last.Discord.Level)
	assert.Contains(t, last.Discord.Message, "pwn-chall")
	assert.Contains(t, last.Discord.Message, "build failed: step 3")
	assert.Nil(t, last.SQL)
	assert.Nil(t, last.Frontend)
}

func TestEmitSync(t *testing.T) {
	id := domain.NewPollID()

	srv, last := hub(t, func(in ToWebhook) FromWebhook {
		return FromWebhook{Frontend: &FrontendResult{ID: in.Frontend.Sync.ID}}
	})

	e := New(srv.URL, "hub-token")
	require.NoError(t, e.EmitSync(context.Background(), id))

	require.NotNil(t, last.Frontend)
	assert.Equal(t, "chall", last.Frontend.Sync.Type)
	assert.Equal(t, id, last.Frontend.Sync.ID)
}

func TestEmitSync_WrongEchoFails(t *testing.T) {
	srv, _ := hub(t, func(ToWebhook) FromWebhook {
		return FromWebhook{Frontend: &FrontendResult{ID: domain.NewPollID()}}
	})

	e := New(srv.URL, "hub-token")
	err := e.EmitSync(context.Background(), domain.NewPollID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "echo")
}

func TestEmitUpdate(t *testing.T) {
	id := domain.NewPollID()
	meta := domain.NewRequestMeta(id, "web-chall", "modify_meta")

	srv, last := hub(t, func(in ToWebhook) FromWebhook {
		return FromWebhook{SQL: &SQLResult{OK: true, ID: in.SQL.ID}}
	})

	e := New(srv.URL, "hub-token")
	require.NoError(t, e.EmitUpdate(context.Background(), meta, testRecord()))
	assert.Equal(t, "update", last.SQL.Op)
}

func TestEmit_HubErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hub down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := New(srv.URL, "hub-token")
	err := e.EmitSync(context.Background(), domain.NewPollID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
