package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/logger"
)

const (
	DefaultTag     = "latest"
	MediaTypeModel = "application/vnd.fletcher.image.model"
)

var (
	// ErrUnauthorized is returned when the registry rejects the bearer token.
	ErrUnauthorized = errors.New("registry: credential rejected")
	// ErrNotFound is returned when the model identifier does not resolve.
	ErrNotFound = errors.New("registry: model not found")
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Client resolves model identifiers to local GGUF blobs, downloading and
// caching them from the registry when absent. Both failure modes
// (credential rejected, identifier not found) are fatal to the caller;
// there is no retry.
type Client struct {
	baseURL  string
	cacheDir string
	token    string
	httpc    *http.Client
}

func NewClient(cfg config.Registry) (*Client, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cacheDir = filepath.Join(home, ".fletcher", "models")
	}

	tokenEnv := cfg.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "FLETCHER_TOKEN"
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		cacheDir: cacheDir,
		token:    os.Getenv(tokenEnv),
		httpc:    &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// Resolve returns a local filesystem path for the model identifier.
// A path to an existing file is returned as-is; otherwise the identifier
// is parsed as name[:tag] and resolved through the manifest cache.
func (c *Client) Resolve(ctx context.Context, model string) (string, error) {
	if info, err := os.Stat(model); err == nil && !info.IsDir() {
		return model, nil
	}

	name, tag := parseIdentifier(model)

	manifest, err := c.manifest(ctx, name, tag)
	if err != nil {
		return "", err
	}

	var digest string
	for _, l := range manifest.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("%w: manifest for %s has no model layer", ErrNotFound, model)
	}

	blobPath := filepath.Join(c.cacheDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err == nil {
		logger.Log.Debug("model blob cached", "model", model, "path", blobPath)
		return blobPath, nil
	}

	if err := c.downloadBlob(ctx, name, digest, blobPath); err != nil {
		return "", err
	}
	return blobPath, nil
}

func parseIdentifier(model string) (name, tag string) {
	parts := strings.SplitN(model, ":", 2)
	if len(parts) == 1 {
		return parts[0], DefaultTag
	}
	return parts[0], parts[1]
}

func (c *Client) manifest(ctx context.Context, name, tag string) (*Manifest, error) {
	manifestPath := filepath.Join(c.cacheDir, "manifests", name, tag)
	if data, err := os.ReadFile(manifestPath); err == nil {
		var m Manifest
		if err := json.Unmarshal(data, &m); err == nil {
			return &m, nil
		}
		// Corrupt cache entry; re-fetch below.
	}

	url := fmt.Sprintf("%s/v2/library/%s/manifests/%s", c.baseURL, name, tag)
	data, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest for %s:%s: %w", name, tag, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest for %s:%s: %w", name, tag, err)
	}

	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) downloadBlob(ctx context.Context, name, digest, dest string) error {
	url := fmt.Sprintf("%s/v2/library/%s/blobs/%s", c.baseURL, name, digest)
	logger.Log.Info("downloading model blob", "digest", digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("fetching blob %s: %w", digest, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if want := strings.TrimPrefix(digest, "sha256:"); want != hex.EncodeToString(hash.Sum(nil)) {
		return fmt.Errorf("blob %s: digest mismatch", digest)
	}
	return os.Rename(tmp.Name(), dest)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("registry: unexpected status %d", code)
	}
}
