package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/adapter/resilience"
	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/core/ports"
)

const (
	searchPath       = "/api/search"
	artifactIOCsPath = "/api/artifacts/%s/iocs"
)

// APIError is a non-2xx answer from the OpenSourceMalware API.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("osm: %s returned HTTP %d", e.Path, e.StatusCode)
}

// OSMClient harvests artifacts and their IOCs from the OpenSourceMalware API.
type OSMClient struct {
	baseURL string
	apiKey  string
	client  *resilience.Client
	logger  *zap.Logger
}

func NewOSMClient(cfg config.OSMConfig, client *resilience.Client, logger *zap.Logger) (*OSMClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OSMClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		logger:  logger,
	}, nil
}

func (c *OSMClient) Name() string {
	return "opensourcemalware"
}

// Resposta da busca: {"items": [...]} ou lista direta
type osmArtifact struct {
	ID         string `json:"id"`
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name"`
	Ecosystem  string `json:"ecosystem"`
}

// SearchArtifacts lists artifacts matching term. An artifact without
// ecosystem inherits the requested one. IDs fall back from id to artifact_id
// to name and may end up empty; callers decide what to do with those.
func (c *OSMClient) SearchArtifacts(ctx context.Context, term, ecosystem string) ([]ports.Artifact, error) {
	params := url.Values{"q": {term}}
	if ecosystem != "" {
		params.Set("ecosystem", ecosystem)
	}

	items, err := c.getList(ctx, searchPath, params)
	if err != nil {
		return nil, err
	}

	artifacts := make([]ports.Artifact, 0, len(items))
	for _, raw := range items {
		var a osmArtifact
		if err := json.Unmarshal(raw, &a); err != nil {
			c.logger.Warn("⚠️ Ignoring malformed artifact in search result", zap.String("term", term), zap.Error(err))
			continue
		}
		id := firstNonEmpty(a.ID, a.ArtifactID, a.Name)
		eco := firstNonEmpty(a.Ecosystem, ecosystem)
		artifacts = append(artifacts, ports.Artifact{ID: id, Ecosystem: eco})
	}
	return artifacts, nil
}

// ListIOCs returns the raw IOC records of one artifact, undecoded.
func (c *OSMClient) ListIOCs(ctx context.Context, artifactID string) ([]json.RawMessage, error) {
	return c.getList(ctx, fmt.Sprintf(artifactIOCsPath, url.PathEscape(artifactID)), nil)
}

func (c *OSMClient) getList(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(resilience.Idempotent(ctx), http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("osm: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var he *resilience.HTTPError
		if errors.As(err, &he) {
			return nil, &APIError{Path: path, StatusCode: he.StatusCode, Body: he.Body}
		}
		return nil, fmt.Errorf("osm: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("osm: failed to decode %s: %w", path, err)
	}
	return decodeList(body)
}

// decodeList accepts {"items": [...]} or a bare array.
func decodeList(body json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("osm: failed to decode list: %w", err)
		}
		return items, nil
	}

	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("osm: unexpected response shape: %w", err)
	}
	return envelope.Items, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
