package vrs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/varianteffect/mavedb-worker/internal/pkg/httpx"
	"github.com/varianteffect/mavedb-worker/internal/platform/envutil"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// Client talks to the VRS mapping service. Mapping a score set is a single
// long blocking call; callers run it through the executor pool.
type Client interface {
	Map(ctx context.Context, scoreSetURN string) (*MapResult, error)
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.Str("VRS_MAP_BASE_URL", ""),
		Timeout:    envutil.Seconds("VRS_MAP_TIMEOUT_SECONDS", 30*time.Minute),
		MaxRetries: envutil.Int("VRS_MAP_MAX_RETRIES", 2),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing VRS_MAP_BASE_URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "VRSMappingClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

// ReferencePair carries the pre- and post-mapped reference metadata for one
// annotation layer of one target.
type ReferencePair struct {
	PreMapped  json.RawMessage `json:"computed_reference_sequence"`
	PostMapped json.RawMessage `json:"mapped_reference_sequence"`
}

// MappedScore is one variant's mapping outcome. A blank PostMapped with a
// populated ErrorMessage means the service could not map that variant.
type MappedScore struct {
	VariantURN   string          `json:"mavedb_id"`
	PreMapped    json.RawMessage `json:"pre_mapped,omitempty"`
	PostMapped   json.RawMessage `json:"post_mapped,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type MapResult struct {
	MappedScores       []MappedScore                       `json:"mapped_scores"`
	ReferenceSequences map[string]map[string]ReferencePair `json:"reference_sequences"`
	APIVersion         string                              `json:"dcd_mapping_version"`
	ErrorMessage       string                              `json:"error_message,omitempty"`
}

func (c *client) Map(ctx context.Context, scoreSetURN string) (*MapResult, error) {
	scoreSetURN = strings.TrimSpace(scoreSetURN)
	if scoreSetURN == "" {
		return nil, fmt.Errorf("vrs map: score set urn required")
	}
	path := "/api/v1/map/" + scoreSetURN

	backoff := 2 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, resp, err := c.mapOnce(ctx, path)
		if err == nil {
			return result, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 60*time.Second))
		c.log.Warn("VRS mapping request retrying",
			"urn", scoreSetURN,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *client) mapOnce(ctx context.Context, path string) (*MapResult, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp, &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var out MapResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, resp, fmt.Errorf("vrs map: decode response: %w", err)
	}
	return &out, resp, nil
}
