package api_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arcs-ctf/deployd/internal/api"
	"github.com/arcs-ctf/deployd/internal/cache"
	"github.com/stretchr/testify/assert"
)

const webhookSecret = "hub-secret"

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookServer(onPush func() error) (*api.Server, http.Handler) {
	srv := &api.Server{
		Engine:              &fakeEngine{names: []string{"web-chall"}},
		Registry:            &fakeRegistry{},
		ServerToken:         testToken,
		GitHubWebhookSecret: webhookSecret,
		OnPush:              onPush,
	}
	return srv, api.NewRouter(srv)
}

func postEvent(h http.Handler, event, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "test-delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGitHubPush_ValidSignature_TriggersSync(t *testing.T) {
	synced := 0
	_, h := webhookServer(func() error { synced++; return nil })

	body := `{"ref":"refs/heads/master"}`
	rec := postEvent(h, "push", body, signBody(body, webhookSecret))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, synced)
}

func TestGitHubPush_BadSignature(t *testing.T) {
	synced := 0
	_, h := webhookServer(func() error { synced++; return nil })

	body := `{"ref":"refs/heads/master"}`
	rec := postEvent(h, "push", body, signBody(body, "wrong-secret"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, synced)
}

func TestGitHubPush_MissingSignature(t *testing.T) {
	_, h := webhookServer(nil)

	rec := postEvent(h, "push", `{}`, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGitHubPush_NonPushEvent_Ignored(t *testing.T) {
	synced := 0
	_, h := webhookServer(func() error { synced++; return nil })

	body := `{"zen":"Design for failure."}`
	rec := postEvent(h, "ping", body, signBody(body, webhookSecret))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, synced)
}

func TestGitHubPush_SyncFailure(t *testing.T) {
	_, h := webhookServer(func() error { return fmt.Errorf("remote unreachable") })

	body := `{"ref":"refs/heads/master"}`
	rec := postEvent(h, "push", body, signBody(body, webhookSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGitHubPush_InvalidatesNameCache(t *testing.T) {
	eng := &fakeEngine{names: []string{"web-chall"}}
	srv := &api.Server{
		Engine:              eng,
		Registry:            &fakeRegistry{},
		ServerToken:         testToken,
		GitHubWebhookSecret: webhookSecret,
		NameCache:           cache.New[string, []string](cache.Options{TTL: time.Minute}),
	}
	h := api.NewRouter(srv)

	del := fmt.Sprintf(`{"__type":"DELETE","deploy_identifier":%q,"chall_name":"nope"}`, testUUID)
	dispatch(t, h, del)
	dispatch(t, h, del)
	assert.Equal(t, 1, eng.nameCalls)

	body := `{"ref":"refs/heads/master"}`
	postEvent(h, "push", body, signBody(body, webhookSecret))

	dispatch(t, h, del)
	assert.Equal(t, 2, eng.nameCalls, "push event must drop the cached name list")
}

func TestRouter_WebhookNotMountedWithoutSecret(t *testing.T) {
	_, h := newTestServer(&fakeEngine{}, &fakeRegistry{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
