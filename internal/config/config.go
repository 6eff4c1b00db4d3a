// Package config loads and validates the deployd environment configuration.
// Everything comes from environment variables; missing required variables are
// collected and reported together so one restart fixes them all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/arcs-ctf/deployd/internal/chall"
)

// TokenLength is the exact byte length of both bearer tokens.
const TokenLength = 64

// RegistryConfig holds container registry credentials.
type RegistryConfig struct {
	Username string
	Password string
	URL      string
}

// S3Config holds object-store settings. AccessKey/SecretKey are optional:
// when present, uploads go directly to the S3-compatible endpoint; when
// absent, files are POSTed to the upload hub with the bearer token.
type S3Config struct {
	URL        string // upload endpoint (hub or S3 endpoint)
	DisplayURL string // public base URL used in deploy links
	Bucket     string
	AccessKey  string
	SecretKey  string
	Token      string // bearer token for hub-mode uploads
	UseSSL     bool
}

// DirectMode reports whether uploads should use the S3 API directly.
func (c S3Config) DirectMode() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// GitConfig holds the descriptor repository settings.
type GitConfig struct {
	Branch     string
	Email      string
	SSHKeyPath string
}

// Config is the full deployd configuration.
type Config struct {
	Registry     RegistryConfig
	ChallFolder  string
	ServerToken  string // DEPLOY_SERVER_AUTH_TOKEN, inbound auth
	WebhookToken string // WEBHOOK_SERVER_AUTH_TOKEN, outbound auth
	WebhookURL   string
	// DeployAddress is the authoritative host used when composing deploy
	// links. Nothing may override it with a hard-coded domain.
	DeployAddress string
	S3            S3Config
	Git           GitConfig

	GitHubWebhookSecret string // optional; enables the push-webhook receiver
	ClusterDockerHost   string // optional; engine the orchestrator nodes pull from
}

// Load reads the configuration from the environment.
// All missing required variables are reported in a single error.
func Load() (*Config, error) {
	var missing []string
	req := func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	cfg := &Config{
		Registry: RegistryConfig{
			Username: req("DOCKER_REGISTRY_USERNAME"),
			Password: req("DOCKER_REGISTRY_PASSWORD"),
			URL:      req("DOCKER_REGISTRY_URL"),
		},
		ChallFolder:   req("CHALL_FOLDER"),
		ServerToken:   req("DEPLOY_SERVER_AUTH_TOKEN"),
		WebhookToken:  req("WEBHOOK_SERVER_AUTH_TOKEN"),
		WebhookURL:    req("WEBHOOK_URL"),
		DeployAddress: req("DEPLOY_ADDRESS"),
		S3: S3Config{
			URL:        req("S3_URL"),
			DisplayURL: req("S3_DISPLAY_URL"),
			Bucket:     os.Getenv("S3_BUCKET"),
			AccessKey:  os.Getenv("S3_ACCESS_KEY"),
			SecretKey:  os.Getenv("S3_SECRET_KEY"),
			Token:      os.Getenv("S3_TOKEN"),
			UseSSL:     os.Getenv("S3_USE_SSL") == "true",
		},
		Git: GitConfig{
			Branch:     req("GIT_BRANCH"),
			Email:      req("GIT_EMAIL"),
			SSHKeyPath: req("GIT_SSH_KEY_PATH"),
		},
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		ClusterDockerHost:   os.Getenv("CLUSTER_DOCKER_HOST"),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if len(cfg.ServerToken) != TokenLength {
		return nil, fmt.Errorf("DEPLOY_SERVER_AUTH_TOKEN must be exactly %d bytes, got %d", TokenLength, len(cfg.ServerToken))
	}
	if cfg.S3.Bucket == "" {
		cfg.S3.Bucket = "challs"
	}

	return cfg, nil
}

// Correctness builds the competition policy from the optional override
// variables CATEGORIES, COMPNAME, and POINT_MULT. With none set, the policy
// accepts everything.
func Correctness() (*chall.Correctness, error) {
	p := &chall.Correctness{}

	if comp := os.Getenv("COMPNAME"); comp != "" {
		p.FlagPolicy = chall.FlagPrefix
		p.CompName = comp
	}

	if cats := os.Getenv("CATEGORIES"); cats != "" {
		for _, c := range strings.Split(cats, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.Categories = append(p.Categories, c)
			}
		}
	}

	if mult := os.Getenv("POINT_MULT"); mult != "" {
		n, err := strconv.ParseUint(mult, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("POINT_MULT=%q: must be a positive integer", mult)
		}
		p.PointsPolicy = chall.PointsMultipleOf
		p.PointsMult = n
	}

	return p, nil
}
