// Package image builds, pushes, and pulls challenge container images through
// the Docker Engine API.
//
// Two engines are involved: the local engine builds and pushes, and an
// optional cluster engine pre-pulls images so deployments start from a warm
// cache. When no cluster engine is configured the local engine serves both
// roles.
package image

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/arcs-ctf/deployd/internal/domain"
	"github.com/docker/docker/api/types"
	imagetypes "github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
)

// Registry identifies the container registry images are pushed to.
type Registry struct {
	Username string
	Password string
	URL      string
}

// Client wraps the Docker engines used by the deployment pipeline.
type Client struct {
	local    client.APIClient
	cluster  client.APIClient
	registry Registry
}

// New connects to the local engine via the standard environment and, if
// clusterHost is non-empty, to the engine the cluster pulls through.
func New(reg Registry, clusterHost string) (*Client, error) {
	local, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect local docker engine: %w", err)
	}

	cluster := client.APIClient(local)
	if clusterHost != "" {
		cluster, err = client.NewClientWithOpts(
			client.WithHost(clusterHost),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("connect cluster docker engine %s: %w", clusterHost, err)
		}
	}

	return &Client{local: local, cluster: cluster, registry: reg}, nil
}

// NewWithClients is the constructor used by tests.
func NewWithClients(local, cluster client.APIClient, reg Registry) *Client {
	if cluster == nil {
		cluster = local
	}
	return &Client{local: local, cluster: cluster, registry: reg}
}

// Tag composes the registry reference for a challenge image. Targets built
// from a subdirectory get that path folded into the repository name so the
// same challenge can ship several images.
func (c *Client) Tag(challName, buildPath string) string {
	ref := path.Join(c.registry.URL, challName)
	if p := strings.Trim(path.Clean(buildPath), "/"); p != "" && p != "." {
		ref = path.Join(ref, p)
	}
	return strings.ToLower(ref)
}

// Build tars contextDir and builds it into the given tag on the local engine.
// The engine reports failures as inline error chunks in the response stream,
// not as an HTTP error, so the stream is followed to the end.
func (c *Client) Build(ctx context.Context, challName, contextDir, tag string) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return domain.NewPipelineError(domain.StageBuild, challName, fmt.Errorf("tar build context: %w", err))
	}
	defer buildCtx.Close()

	resp, err := c.local.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return domain.NewPipelineError(domain.StageBuild, challName, err)
	}
	defer resp.Body.Close()

	if err := followStream(resp.Body, "build", tag); err != nil {
		return domain.NewPipelineError(domain.StageBuild, challName, err)
	}
	return nil
}

// Push pushes the tag to the registry from the local engine.
func (c *Client) Push(ctx context.Context, challName, tag string) error {
	auth, err := c.encodedAuth()
	if err != nil {
		return domain.NewPipelineError(domain.StagePush, challName, err)
	}

	rc, err := c.local.ImagePush(ctx, tag, imagetypes.PushOptions{RegistryAuth: auth})
	if err != nil {
		return domain.NewPipelineError(domain.StagePush, challName, err)
	}
	defer rc.Close()

	if err := followStream(rc, "push", tag); err != nil {
		return domain.NewPipelineError(domain.StagePush, challName, err)
	}
	return nil
}

// Pull pulls the tag on the cluster engine so nodes deploy from cache.
func (c *Client) Pull(ctx context.Context, challName, tag string) error {
	auth, err := c.encodedAuth()
	if err != nil {
		return domain.NewPipelineError(domain.StagePull, challName, err)
	}

	rc, err := c.cluster.ImagePull(ctx, tag, imagetypes.PullOptions{RegistryAuth: auth})
	if err != nil {
		return domain.NewPipelineError(domain.StagePull, challName, err)
	}
	defer rc.Close()

	if err := followStream(rc, "pull", tag); err != nil {
		return domain.NewPipelineError(domain.StagePull, challName, err)
	}
	return nil
}

// Remove deletes the tag from the local engine. A missing image is not an
// error: redeploys call this before rebuilding.
func (c *Client) Remove(ctx context.Context, tag string) error {
	_, err := c.local.ImageRemove(ctx, tag, imagetypes.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %s: %w", tag, err)
	}
	return nil
}

// encodedAuth serializes the registry credentials the way the engine API
// wants them: base64url over the JSON auth config.
func (c *Client) encodedAuth() (string, error) {
	buf, err := json.Marshal(registrytypes.AuthConfig{
		Username:      c.registry.Username,
		Password:      c.registry.Password,
		ServerAddress: c.registry.URL,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// followStream consumes an engine progress stream, logging progress lines and
// returning the first inline error chunk.
func followStream(r io.Reader, op, tag string) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s %s: decode engine stream: %w", op, tag, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("%s %s: %s", op, tag, msg.Error.Message)
		}
		if s := strings.TrimSpace(msg.Stream); s != "" {
			slog.Debug("docker "+op, "tag", tag, "line", s)
		}
		if msg.Aux != nil {
			var result types.BuildResult
			if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
				slog.Info("docker "+op+" produced image", "tag", tag, "id", result.ID)
			}
		}
	}
}
