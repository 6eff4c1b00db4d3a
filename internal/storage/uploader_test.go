package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubUploader_PostsRawBytesWithBearerToken(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := NewHubUploader(srv.URL+"/", "hub-token")
	err := u.Upload(context.Background(), "web-chall", "handout.zip", []byte{0x50, 0x4b, 0x03, 0x04})
	require.NoError(t, err)

	assert.Equal(t, "/web-chall/handout.zip", gotPath)
	assert.Equal(t, "Bearer hub-token", gotAuth)
	assert.Equal(t, []byte{0x50, 0x4b, 0x03, 0x04}, gotBody)
}

func TestHubUploader_Non2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bucket unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	u := NewHubUploader(srv.URL, "hub-token")
	err := u.Upload(context.Background(), "web-chall", "handout.zip", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/zip", contentTypeFor("handout.zip"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("flagbin"))
}
