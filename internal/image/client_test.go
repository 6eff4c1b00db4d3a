package image

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcs-ctf/deployd/internal/domain"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRegistry = Registry{Username: "deploy", Password: "hunter2", URL: "registry.example.com"}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func fakeEngine(t *testing.T, fn roundTripFunc) client.APIClient {
	t.Helper()
	c, err := client.NewClientWithOpts(
		client.WithHost("tcp://engine.test:2375"),
		client.WithHTTPClient(&http.Client{Transport: fn}),
		client.WithVersion("1.45"),
	)
	require.NoError(t, err)
	return c
}

func jsonStream(chunks ...string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(strings.Join(chunks, "\n"))),
	}
}

func TestTag(t *testing.T) {
	c := NewWithClients(nil, nil, testRegistry)

	tests := []struct {
		chall, buildPath, want string
	}{
		{"web-chall", "", "registry.example.com/web-chall"},
		{"web-chall", ".", "registry.example.com/web-chall"},
		{"multi", "admin", "registry.example.com/multi/admin"},
		{"multi", "./services/bot/", "registry.example.com/multi/services/bot"},
		{"MixedCase", "Admin", "registry.example.com/mixedcase/admin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Tag(tt.chall, tt.buildPath))
	}
}

func TestBuild_StreamsToCompletion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	var gotTag string
	engine := fakeEngine(t, func(r *http.Request) (*http.Response, error) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/build"), "path %s", r.URL.Path)
		gotTag = r.URL.Query().Get("t")
		return jsonStream(
			`{"stream":"Step 1/1 : FROM scratch"}`,
			`{"aux":{"ID":"sha256:deadbeef"}}`,
		), nil
	})

	c := NewWithClients(engine, nil, testRegistry)
	err := c.Build(context.Background(), "web-chall", dir, "registry.example.com/web-chall")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/web-chall", gotTag)
}

func TestBuild_InlineErrorChunkFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	engine := fakeEngine(t, func(r *http.Request) (*http.Response, error) {
		return jsonStream(
			`{"stream":"Step 1/2 : FROM scratch"}`,
			`{"errorDetail":{"message":"COPY failed: no such file"},"error":"COPY failed: no such file"}`,
		), nil
	})

	c := NewWithClients(engine, nil, testRegistry)
	err := c.Build(context.Background(), "web-chall", dir, "registry.example.com/web-chall")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY failed")

	var perr *domain.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, domain.StageBuild, perr.Stage)
	assert.Equal(t, "web-chall", perr.Chall)
}

func TestPush_SendsRegistryAuth(t *testing.T) {
	var gotAuth string
	engine := fakeEngine(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/push")
		gotAuth = r.Header.Get("X-Registry-Auth")
		return jsonStream(`{"status":"Pushed"}`), nil
	})

	c := NewWithClients(engine, nil, testRegistry)
	require.NoError(t, c.Push(context.Background(), "web-chall", "registry.example.com/web-chall"))

	raw, err := base64.URLEncoding.DecodeString(gotAuth)
	require.NoError(t, err)
	var auth registrytypes.AuthConfig
	require.NoError(t, json.Unmarshal(raw, &auth))
	assert.Equal(t, "deploy", auth.Username)
	assert.Equal(t, "registry.example.com", auth.ServerAddress)
}

func TestPull_UsesClusterEngine(t *testing.T) {
	local := fakeEngine(t, func(r *http.Request) (*http.Response, error) {
		t.Fatalf("local engine must not serve pulls, got %s", r.URL.Path)
		return nil, nil
	})
	var pulled bool
	cluster := fakeEngine(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/images/create")
		pulled = true
		return jsonStream(`{"status":"Downloaded newer image"}`), nil
	})

	c := NewWithClients(local, cluster, testRegistry)
	require.NoError(t, c.Pull(context.Background(), "web-chall", "registry.example.com/web-chall"))
	assert.True(t, pulled)
}

func TestPull_EngineErrorIsPipelineError(t *testing.T) {
	cluster := fakeEngine(t, func(r *http.Request) (*http.Response, error) {
		return jsonStream(`{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}`), nil
	})

	c := NewWithClients(cluster, cluster, testRegistry)
	err := c.Pull(context.Background(), "web-chall", "registry.example.com/web-chall")
	require.Error(t, err)

	var perr *domain.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, domain.StagePull, perr.Stage)
}

func TestRemove_MissingImageIsNotAnError(t *testing.T) {
	engine := fakeEngine(t, func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"message":"No such image: registry.example.com/gone"}`)),
		}, nil
	})

	c := NewWithClients(engine, nil, testRegistry)
	assert.NoError(t, c.Remove(context.Background(), "registry.example.com/gone"))
}
