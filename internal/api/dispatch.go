package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/arcs-ctf/deployd/internal/chall"
	"github.com/arcs-ctf/deployd/internal/domain"
	"github.com/arcs-ctf/deployd/internal/pipeline"
	"github.com/arcs-ctf/deployd/internal/registry"
)

// toDeploy is the single request body accepted on POST /.
type toDeploy struct {
	Type             string             `json:"__type"`
	DeployIdentifier string             `json:"deploy_identifier"`
	ChallName        string             `json:"chall_name"`
	Modifications    *modificationsBody `json:"modifications,omitempty"`
}

// modificationsBody mirrors chall.Modifications on the wire. Tags is raw so
// that "absent", "null", and "[]" stay distinguishable: absent leaves the
// tags key alone, null and the empty list delete it.
type modificationsBody struct {
	Name       *string         `json:"name,omitempty"`
	Desc       *string         `json:"desc,omitempty"`
	Points     *uint64         `json:"points,omitempty"`
	Categories *[]string       `json:"categories,omitempty"`
	Tags       json.RawMessage `json:"tags,omitempty"`
}

// toModifications converts the wire body into the editor's modification set.
func (m *modificationsBody) toModifications() (*chall.Modifications, error) {
	if m == nil {
		return nil, nil
	}
	mods := &chall.Modifications{
		Name:        m.Name,
		Description: m.Desc,
		Points:      m.Points,
		Categories:  m.Categories,
	}
	if len(m.Tags) > 0 {
		if bytes.Equal(bytes.TrimSpace(m.Tags), []byte("null")) {
			var inner *[]string
			mods.Tags = &inner
		} else {
			var tags []string
			if err := json.Unmarshal(m.Tags, &tags); err != nil {
				return nil, err
			}
			inner := &tags
			mods.Tags = &inner
		}
	}
	return mods, nil
}

// DeployEngine is the pipeline surface the dispatcher needs.
type DeployEngine interface {
	StartDeploy(ctx context.Context, meta domain.RequestMeta) error
	Delete(ctx context.Context, meta domain.RequestMeta) error
	ModifyMeta(ctx context.Context, meta domain.RequestMeta, mods *chall.Modifications) error
	ChallNames() ([]string, error)
}

// StatusRegistry is the polling surface the dispatcher needs.
type StatusRegistry interface {
	Poll(id domain.PollID) (registry.PollResult, error)
	Deregister(id domain.PollID) (domain.DeployStatus, bool)
}

// HandleDispatch is the single authenticated endpoint. It dispatches on the
// uppercased __type field: deploys run in the background and answer 202,
// everything else completes synchronously.
func (s *Server) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req toDeploy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "malformed request body: "+err.Error(), "BAD_BODY", http.StatusBadRequest)
		return
	}

	pollID, err := domain.ParsePollID(req.DeployIdentifier)
	if err != nil {
		errorJSON(w, err.Error(), "BAD_POLL_ID", http.StatusBadRequest)
		return
	}

	meta := domain.NewRequestMeta(pollID, req.ChallName, req.Type)
	ctx := r.Context()

	switch meta.Endpoint {
	case "DEPLOY", "REDEPLOY":
		s.handleDeploy(ctx, w, meta)
	case "DELETE":
		s.handleDelete(ctx, w, meta)
	case "POLL":
		s.handlePoll(w, meta)
	case "MODIFY_META":
		s.handleModifyMeta(ctx, w, meta, req.Modifications)
	default:
		writeDeploy(w, http.StatusNotFound,
			errorResponse(meta, "unknown endpoint "+meta.Endpoint))
	}
}

func (s *Server) handleDeploy(ctx context.Context, w http.ResponseWriter, meta domain.RequestMeta) {
	if err := s.Engine.StartDeploy(ctx, meta); err != nil {
		var dup *registry.AlreadyRegisteredError
		if errors.As(err, &dup) {
			body := statusResponse(meta, dup.Existing, 0)
			body.Status.ErrMsg = "poll id already in use"
			writeDeploy(w, http.StatusConflict, body)
			return
		}
		internalError(w, meta, "failed to start deployment", err)
		return
	}

	res, err := s.Registry.Poll(meta.PollID)
	if err != nil {
		// Extremely short race: the pipeline already failed and cleaned up.
		writeDeploy(w, http.StatusAccepted, errorResponse(meta, ""))
		return
	}
	writeDeploy(w, http.StatusAccepted, statusResponse(meta, res.Status, res.SinceLastChange))
}

func (s *Server) handleDelete(ctx context.Context, w http.ResponseWriter, meta domain.RequestMeta) {
	if !s.knownChall(meta.ChallName) {
		s.unknownChall(w, meta)
		return
	}

	if err := s.Engine.Delete(ctx, meta); err != nil {
		internalError(w, meta, "failed to delete challenge", err)
		return
	}

	status, _ := s.Registry.Deregister(meta.PollID)
	writeDeploy(w, http.StatusOK, statusResponse(meta, status, 0))
}

func (s *Server) handlePoll(w http.ResponseWriter, meta domain.RequestMeta) {
	res, err := s.Registry.Poll(meta.PollID)
	if err != nil {
		writeDeploy(w, http.StatusNotFound, statusResponse(meta, domain.UnknownStatus(), 0))
		return
	}
	writeDeploy(w, http.StatusOK, statusResponse(meta, res.Status, res.SinceLastChange))
}

func (s *Server) handleModifyMeta(ctx context.Context, w http.ResponseWriter, meta domain.RequestMeta, body *modificationsBody) {
	mods, err := body.toModifications()
	if err != nil {
		errorJSON(w, "malformed modifications: "+err.Error(), "BAD_BODY", http.StatusBadRequest)
		return
	}

	err = s.Engine.ModifyMeta(ctx, meta, mods)
	switch {
	case err == nil:
		s.invalidateChallNames()
		writeDeploy(w, http.StatusOK, statusResponse(meta, domain.UnknownStatus(), 0))
	case errors.Is(err, pipeline.ErrNoModifications):
		writeDeploy(w, http.StatusPreconditionFailed, errorResponse(meta, err.Error()))
	case errors.Is(err, pipeline.ErrChallNotFound):
		s.unknownChall(w, meta)
	default:
		internalError(w, meta, "failed to modify challenge metadata", err)
	}
}

// unknownChall answers 404 with the list of known challenge names so the
// admin panel can offer a correction.
func (s *Server) unknownChall(w http.ResponseWriter, meta domain.RequestMeta) {
	names := s.challNames()
	if names == nil {
		writeDeploy(w, http.StatusNotFound,
			errorResponse(meta, "unknown challenge "+meta.ChallName))
		return
	}
	writeDeploy(w, http.StatusNotFound, FromDeploy{ChallNameList: names})
}

// knownChall reports whether the repository has a descriptor directory for
// the given name.
func (s *Server) knownChall(name string) bool {
	names := s.challNames()
	if names == nil {
		// Listing failed; let the operation itself decide.
		return true
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
