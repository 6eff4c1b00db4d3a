package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxWebhookBodySize caps GitHub event payloads. Push events with large
// commit lists stay well under this.
const maxWebhookBodySize = 5 << 20

// HandleGitHubPush receives GitHub webhook deliveries. Push events trigger a
// repository re-sync and drop cached challenge names; everything else is
// acknowledged and ignored.
func (s *Server) HandleGitHubPush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !validSignature(body, r.Header.Get("X-Hub-Signature-256"), s.GitHubWebhookSecret) {
		slog.Warn("github webhook delivery with bad signature",
			"delivery", r.Header.Get("X-GitHub-Delivery"))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event != "push" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.invalidateChallNames()
	if s.OnPush != nil {
		if err := s.OnPush(); err != nil {
			slog.Error("repository re-sync after push failed", "error", err)
			http.Error(w, "re-sync failed", http.StatusInternalServerError)
			return
		}
	}
	slog.Info("repository re-synced after push event",
		"delivery", r.Header.Get("X-GitHub-Delivery"))
	w.WriteHeader(http.StatusNoContent)
}

// validSignature checks the X-Hub-Signature-256 header against the HMAC of
// the body keyed with the shared webhook secret.
func validSignature(body []byte, header, secret string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}
