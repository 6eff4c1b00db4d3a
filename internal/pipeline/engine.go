// Package pipeline drives a challenge from descriptor to running deployment:
// build, push, pull, deploy, static files, terminal webhook. It owns the
// interaction between the polling registry and every external system.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/arcs-ctf/deployd/internal/chall"
	"github.com/arcs-ctf/deployd/internal/domain"
	"github.com/arcs-ctf/deployd/internal/emitter"
	"github.com/arcs-ctf/deployd/internal/registry"
)

// ErrChallNotFound is returned when no descriptor exists for the challenge.
var ErrChallNotFound = errors.New("challenge not found")

// ErrNoModifications is returned when a modify request carries no edits.
var ErrNoModifications = errors.New("no modifications given")

// ImageClient is the container-engine surface the pipeline needs.
type ImageClient interface {
	Tag(challName, buildPath string) string
	Build(ctx context.Context, challName, contextDir, tag string) error
	Push(ctx context.Context, challName, tag string) error
	Pull(ctx context.Context, challName, tag string) error
	Remove(ctx context.Context, tag string) error
}

// Orchestrator is the cluster surface the pipeline needs.
type Orchestrator interface {
	Deploy(ctx context.Context, name, tag string, target *chall.DeployTarget) ([]int32, error)
	Delete(ctx context.Context, name string) error
}

// Uploader stores one static file under {chall_name}/{basename}.
type Uploader interface {
	Upload(ctx context.Context, challName, basename string, data []byte) error
}

// GitManager is the repository surface the pipeline needs.
type GitManager interface {
	EnsureUpToDate(path string, meta domain.RequestMeta) (bool, error)
	MakeCommit(path string, files []string, message string, meta domain.RequestMeta) error
	PushAll(path string, meta domain.RequestMeta) error
	ListChallNames(path string) ([]string, error)
}

// Emitter sends terminal deployment events to the webhook hub.
type Emitter interface {
	EmitSuccess(ctx context.Context, meta domain.RequestMeta, rec *emitter.ChallRecord, ports []int32) error
	EmitFailure(ctx context.Context, meta domain.RequestMeta, reason string) error
	EmitSync(ctx context.Context, pollID domain.PollID) error
	EmitUpdate(ctx context.Context, meta domain.RequestMeta, rec *emitter.ChallRecord) error
}

// Options wires an Engine.
type Options struct {
	Registry      *registry.Registry
	Images        ImageClient
	Orchestrator  Orchestrator
	Uploader      Uploader
	Git           GitManager
	Emitter       Emitter
	ChallFolder   string
	DeployAddress string
	S3DisplayURL  string

	// Policy layers competition rules on top of descriptor verification.
	// Nil accepts every verified descriptor.
	Policy *chall.Correctness
}

// Engine is the deployment state machine.
type Engine struct {
	registry      *registry.Registry
	images        ImageClient
	orch          Orchestrator
	uploader      Uploader
	git           GitManager
	emitter       Emitter
	challFolder   string
	deployAddress string
	s3Display     string
	policy        *chall.Correctness
}

// New creates an Engine from its collaborators.
func New(opts Options) *Engine {
	return &Engine{
		registry:      opts.Registry,
		images:        opts.Images,
		orch:          opts.Orchestrator,
		uploader:      opts.Uploader,
		git:           opts.Git,
		emitter:       opts.Emitter,
		challFolder:   opts.ChallFolder,
		deployAddress: opts.DeployAddress,
		s3Display:     opts.S3DisplayURL,
		policy:        opts.Policy,
	}
}

// StartDeploy registers the polling id and runs the pipeline in the
// background. A collision with an active deployment is returned as a
// *registry.AlreadyRegisteredError; terminal entries are replaced.
func (e *Engine) StartDeploy(ctx context.Context, meta domain.RequestMeta) error {
	if err := e.registry.Register(meta.PollID); err != nil {
		return err
	}
	// The request context dies with the HTTP response; the pipeline must not.
	go e.run(context.WithoutCancel(ctx), meta)
	return nil
}

// run executes the full pipeline and always leaves the registry entry in a
// terminal state.
func (e *Engine) run(ctx context.Context, meta domain.RequestMeta) {
	challDir := filepath.Join(e.challFolder, meta.ChallName)

	ch, err := e.loadChall(meta.ChallName)
	if err != nil {
		e.fail(ctx, meta, err)
		return
	}

	ports := make(map[domain.TargetType][]int32)
	var allPorts []int32
	first := true

	for _, targetType := range domain.DeployTargetOrder {
		target := ch.Target(targetType)
		if target == nil {
			continue
		}

		tag := e.images.Tag(meta.ChallName, target.Build)
		buildDir := filepath.Join(challDir, filepath.FromSlash(target.Build))

		if err := e.images.Build(ctx, meta.ChallName, buildDir, tag); err != nil {
			e.fail(ctx, meta, err)
			return
		}
		e.advance(meta, first, domain.StepPushing)

		if err := e.images.Push(ctx, meta.ChallName, tag); err != nil {
			e.fail(ctx, meta, err)
			return
		}
		e.advance(meta, first, domain.StepPulling)

		if err := e.images.Pull(ctx, meta.ChallName, tag); err != nil {
			e.fail(ctx, meta, err)
			return
		}
		e.advance(meta, first, domain.StepDeploying)

		nodePorts, err := e.orch.Deploy(ctx, resourceName(meta.ChallName, targetType), tag, target)
		if err != nil {
			e.fail(ctx, meta, err)
			return
		}
		ports[targetType] = nodePorts
		allPorts = append(allPorts, nodePorts...)
		first = false
	}

	if err := e.uploadStaticFiles(ctx, meta, challDir, ch); err != nil {
		e.fail(ctx, meta, err)
		return
	}

	if err := e.registry.Succeed(meta.PollID, allPorts); err != nil {
		slog.Error("mark success failed", "poll_id", meta.PollID, "error", err)
	}

	links := composeLinks(e.deployAddress, e.s3Display, meta.ChallName, ch, ports)
	rec := e.record(meta.ChallName, ch, links)
	if err := e.emitter.EmitSuccess(ctx, meta, rec, allPorts); err != nil {
		slog.Error("success webhook failed", "chall", meta.ChallName, "error", err)
	}
	if err := e.emitter.EmitSync(ctx, meta.PollID); err != nil {
		slog.Error("frontend sync webhook failed", "chall", meta.ChallName, "error", err)
	}
	slog.Info("deployment succeeded", "chall", meta.ChallName, "poll_id", meta.PollID, "ports", allPorts)
}

// uploadStaticFiles builds and pushes the static-files image, then uploads
// each static file's bytes to the object store.
func (e *Engine) uploadStaticFiles(ctx context.Context, meta domain.RequestMeta, challDir string, ch *chall.Challenge) error {
	files := ch.StaticFiles()
	if len(files) == 0 {
		return nil
	}

	tag := e.images.Tag(meta.ChallName, "")
	if err := e.images.Build(ctx, meta.ChallName, challDir, tag); err != nil {
		return err
	}
	if err := e.images.Push(ctx, meta.ChallName, tag); err != nil {
		return err
	}

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(challDir, filepath.FromSlash(f.Src)))
		if err != nil {
			return domain.NewPipelineError(domain.StageStaticUpload, meta.ChallName, err)
		}
		if err := e.uploader.Upload(ctx, meta.ChallName, filepath.Base(f.Src), data); err != nil {
			return domain.NewPipelineError(domain.StageStaticUpload, meta.ChallName, err)
		}
	}
	return nil
}

// Delete tears down every cluster resource and the local image for the
// challenge. Resources that were never deployed produce warnings only.
func (e *Engine) Delete(ctx context.Context, meta domain.RequestMeta) error {
	for _, targetType := range domain.DeployTargetOrder {
		if err := e.orch.Delete(ctx, resourceName(meta.ChallName, targetType)); err != nil {
			return err
		}
	}
	if err := e.images.Remove(ctx, e.images.Tag(meta.ChallName, "")); err != nil {
		slog.Warn("local image cleanup failed", "chall", meta.ChallName, "error", err)
	}
	slog.Info("challenge deleted", "chall", meta.ChallName, "poll_id", meta.PollID)
	return nil
}

// ModifyMeta synchronizes the repository, applies the YAML edits in place,
// commits, pushes when the remote was reachable, and announces the update.
func (e *Engine) ModifyMeta(ctx context.Context, meta domain.RequestMeta, mods *chall.Modifications) error {
	if mods == nil || mods.Empty() {
		return ErrNoModifications
	}

	connected, err := e.git.EnsureUpToDate(e.challFolder, meta)
	if err != nil {
		return err
	}

	descriptor := filepath.Join(e.challFolder, meta.ChallName, "chall.yaml")
	source, err := os.ReadFile(descriptor)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrChallNotFound, meta.ChallName)
		}
		return err
	}

	// A descriptor that no longer verifies is not edited through the API;
	// broken files are repaired in the repository directly.
	if _, err := chall.Verify(source); err != nil {
		return fmt.Errorf("modifications failed: %w", err)
	}

	edited, err := chall.Apply(source, mods)
	if err != nil {
		return err
	}
	if err := os.WriteFile(descriptor, edited, 0o644); err != nil {
		return err
	}

	message := fmt.Sprintf("ADMIN_PANEL_MANAGEMENT: updated chall.yaml for challenge `%s`", meta.ChallName)
	relPath := path.Join(meta.ChallName, "chall.yaml")
	if err := e.git.MakeCommit(e.challFolder, []string{relPath}, message, meta); err != nil {
		return err
	}

	if connected {
		if err := e.git.PushAll(e.challFolder, meta); err != nil {
			return err
		}
	} else {
		slog.Warn("remote unreachable during modify, commit kept local", "chall", meta.ChallName)
	}

	if ch, err := chall.Verify(edited); err == nil {
		if err := e.emitter.EmitUpdate(ctx, meta, e.record(meta.ChallName, ch, nil)); err != nil {
			slog.Error("update webhook failed", "chall", meta.ChallName, "error", err)
		}
	} else {
		slog.Warn("edited descriptor does not verify, skipping update webhook",
			"chall", meta.ChallName, "error", err)
	}
	return nil
}

// ChallNames lists the challenge directories known to the repository.
func (e *Engine) ChallNames() ([]string, error) {
	return e.git.ListChallNames(e.challFolder)
}

// loadChall reads and verifies the challenge descriptor, then applies the
// competition policy when one is configured.
func (e *Engine) loadChall(challName string) (*chall.Challenge, error) {
	data, err := os.ReadFile(filepath.Join(e.challFolder, challName, "chall.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrChallNotFound, challName)
		}
		return nil, err
	}
	ch, err := chall.Verify(data)
	if err != nil {
		return nil, err
	}
	if e.policy != nil {
		if err := e.policy.Check(ch); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// record assembles the SQL payload shape, resolving file-backed flags from
// disk.
func (e *Engine) record(challName string, ch *chall.Challenge, links []domain.DeployLink) *emitter.ChallRecord {
	flag := ch.Flag.Value
	if ch.Flag.Kind == chall.FlagFile {
		data, err := os.ReadFile(filepath.Join(e.challFolder, challName, filepath.FromSlash(ch.Flag.Value)))
		if err != nil {
			slog.Warn("flag file unreadable", "chall", challName, "path", ch.Flag.Value, "error", err)
			flag = ""
		} else {
			flag = strings.TrimSpace(string(data))
		}
	}

	return &emitter.ChallRecord{
		Name:        ch.Name,
		Description: ch.Description,
		Points:      ch.Points,
		Visible:     ch.Visible,
		Categories:  ch.Categories,
		Authors:     ch.Authors,
		Hints:       ch.Hints,
		Flag:        flag,
		Links:       links,
	}
}

// fail marks the deployment failed and emits the failure webhook.
func (e *Engine) fail(ctx context.Context, meta domain.RequestMeta, cause error) {
	reason := cause.Error()
	if err := e.registry.Fail(meta.PollID, reason); err != nil {
		slog.Error("mark failure failed", "poll_id", meta.PollID, "error", err)
	}
	if err := e.emitter.EmitFailure(ctx, meta, reason); err != nil {
		slog.Error("failure webhook failed", "chall", meta.ChallName, "error", err)
	}
	slog.Warn("deployment failed", "chall", meta.ChallName, "poll_id", meta.PollID, "reason", reason)
}

// advance moves the registry step forward. Only the first target drives the
// step machine; later targets repeat the stages while the status stays at
// the furthest step reached.
func (e *Engine) advance(meta domain.RequestMeta, first bool, step domain.Step) {
	if !first {
		return
	}
	if _, err := e.registry.Advance(meta.PollID, step); err != nil {
		slog.Error("advance failed", "poll_id", meta.PollID, "step", step, "error", err)
	}
}

// resourceName maps a challenge target to its cluster resource base name.
// The web target owns the bare challenge name; admin and nc get suffixes so
// multi-target challenges don't collide.
func resourceName(challName string, target domain.TargetType) string {
	switch target {
	case domain.TargetAdmin:
		return challName + "-admin"
	case domain.TargetNc:
		return challName + "-nc"
	default:
		return challName
	}
}
