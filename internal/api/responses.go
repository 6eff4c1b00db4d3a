// Package api provides the HTTP surface of deployd: the single dispatch
// endpoint, the GitHub push receiver, health, and the middleware stack.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/arcs-ctf/deployd/internal/domain"
)

// statusTextHeader duplicates the HTTP status code's human message so thin
// clients can show it without a status-code table.
const statusTextHeader = "STATUS-TEXT"

// TimeSpec is the wire form of a duration split into whole seconds and the
// remaining nanoseconds.
type TimeSpec struct {
	Secs  int64 `json:"secs"`
	Nanos int32 `json:"nanos"`
}

func timeSpec(d time.Duration) TimeSpec {
	if d < 0 {
		d = 0
	}
	return TimeSpec{Secs: int64(d / time.Second), Nanos: int32(d % time.Second)}
}

// StatusBody is the per-deployment half of the FromDeploy union.
type StatusBody struct {
	ChallName  string        `json:"chall_name,omitempty"`
	PollID     domain.PollID `json:"poll_id"`
	Status     string        `json:"status"`
	StatusTime TimeSpec      `json:"status_time"`
	ErrMsg     string        `json:"err_msg,omitempty"`
}

// FromDeploy is the response union: exactly one arm is set.
type FromDeploy struct {
	Status        *StatusBody `json:"Status,omitempty"`
	ChallNameList []string    `json:"ChallNameList,omitempty"`
}

// writeDeploy writes a FromDeploy with the given status code and the
// STATUS-TEXT header.
func writeDeploy(w http.ResponseWriter, status int, body FromDeploy) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(statusTextHeader, http.StatusText(status))
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// statusResponse builds the Status arm for a deployment observation.
func statusResponse(meta domain.RequestMeta, status domain.DeployStatus, since time.Duration) FromDeploy {
	return FromDeploy{Status: &StatusBody{
		ChallName:  meta.ChallName,
		PollID:     meta.PollID,
		Status:     status.WireName(),
		StatusTime: timeSpec(since),
		ErrMsg:     status.Reason,
	}}
}

// errorResponse builds the Status arm for a request that failed before any
// deployment state existed.
func errorResponse(meta domain.RequestMeta, errMsg string) FromDeploy {
	return FromDeploy{Status: &StatusBody{
		ChallName: meta.ChallName,
		PollID:    meta.PollID,
		Status:    domain.UnknownStatus().WireName(),
		ErrMsg:    errMsg,
	}}
}

// errorJSON writes a typed error payload in the FromDeploy shape. The rate
// limiter and router-level failures use it when no request metadata exists.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(statusTextHeader, http.StatusText(status))
	w.WriteHeader(status)
	body := FromDeploy{Status: &StatusBody{
		Status: domain.UnknownStatus().WireName(),
		ErrMsg: code + ": " + message,
	}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic
// message to clients.
func internalError(w http.ResponseWriter, meta domain.RequestMeta, msg string, err error) {
	slog.Error(msg, "chall", meta.ChallName, "poll_id", meta.PollID, "error", err)
	writeDeploy(w, http.StatusInternalServerError, errorResponse(meta, msg))
}
