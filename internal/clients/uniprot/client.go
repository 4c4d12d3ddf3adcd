package uniprot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/varianteffect/mavedb-worker/internal/pkg/httpx"
	"github.com/varianteffect/mavedb-worker/internal/platform/envutil"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// Client drives UniProt's asynchronous ID-mapping service: submit a batch,
// poll until ready, then read results.
type Client interface {
	Submit(ctx context.Context, fromDB, toDB string, accessions []string) (jobID string, err error)
	CheckReady(ctx context.Context, jobID string) (bool, error)
	GetResults(ctx context.Context, jobID string) (*Results, error)
}

// Results holds the mapping rows of a finished job.
type Results struct {
	Rows []ResultRow `json:"results"`
}

type ResultRow struct {
	From string          `json:"from"`
	To   json.RawMessage `json:"to"`
}

// ExtractID reduces a result set to a single target accession. An ambiguous
// result (multiple distinct targets) returns an error; the caller skips the
// target gene rather than guessing.
func ExtractID(results *Results) (string, error) {
	if results == nil || len(results.Rows) == 0 {
		return "", fmt.Errorf("uniprot: empty result set")
	}
	ids := map[string]struct{}{}
	for _, row := range results.Rows {
		var asString string
		if err := json.Unmarshal(row.To, &asString); err == nil {
			ids[asString] = struct{}{}
			continue
		}
		var asObject struct {
			PrimaryAccession string `json:"primaryAccession"`
		}
		if err := json.Unmarshal(row.To, &asObject); err == nil && asObject.PrimaryAccession != "" {
			ids[asObject.PrimaryAccession] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("uniprot: no accession in result set")
	}
	if len(ids) > 1 {
		return "", fmt.Errorf("uniprot: ambiguous result set (%d distinct accessions)", len(ids))
	}
	for id := range ids {
		return id, nil
	}
	return "", nil
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.Str("UNIPROT_API_URL", "https://rest.uniprot.org"),
		Timeout:    envutil.Seconds("UNIPROT_TIMEOUT_SECONDS", 60*time.Second),
		MaxRetries: envutil.Int("UNIPROT_MAX_RETRIES", 4),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing UNIPROT_API_URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "UniProtIDMappingClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func (c *client) Submit(ctx context.Context, fromDB, toDB string, accessions []string) (string, error) {
	if fromDB == "" || toDB == "" {
		return "", fmt.Errorf("uniprot submit: from and to databases required")
	}
	if len(accessions) == 0 {
		return "", fmt.Errorf("uniprot submit: accessions required")
	}
	form := url.Values{
		"from": {fromDB},
		"to":   {toDB},
		"ids":  {strings.Join(accessions, ",")},
	}
	raw, err := c.do(ctx, http.MethodPost, "/idmapping/run", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return "", err
	}
	var parsed struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("uniprot submit: decode response: %w", err)
	}
	if parsed.JobID == "" {
		return "", fmt.Errorf("uniprot submit: empty job id")
	}
	return parsed.JobID, nil
}

func (c *client) CheckReady(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("uniprot: job id required")
	}
	raw, err := c.do(ctx, http.MethodGet, "/idmapping/status/"+jobID, nil, "")
	if err != nil {
		return false, err
	}
	var parsed struct {
		JobStatus string `json:"jobStatus"`
		Results   []any  `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false, fmt.Errorf("uniprot status: decode response: %w", err)
	}
	// A finished job answers the status endpoint with results and no status
	// field.
	if parsed.JobStatus == "" && parsed.Results != nil {
		return true, nil
	}
	switch strings.ToUpper(parsed.JobStatus) {
	case "FINISHED":
		return true, nil
	case "RUNNING", "NEW", "QUEUED", "":
		return false, nil
	default:
		return false, fmt.Errorf("uniprot: job %s in status %q", jobID, parsed.JobStatus)
	}
}

func (c *client) GetResults(ctx context.Context, jobID string) (*Results, error) {
	if jobID == "" {
		return nil, fmt.Errorf("uniprot: job id required")
	}
	raw, err := c.do(ctx, http.MethodGet, "/idmapping/results/"+jobID+"?size=500", nil, "")
	if err != nil {
		return nil, err
	}
	var out Results
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("uniprot results: decode response: %w", err)
	}
	return &out, nil
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	var buffered []byte
	if body != nil {
		var err error
		buffered, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}
	backoff := 1 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw, resp, err := c.doOnce(ctx, method, path, buffered, contentType)
		if err == nil {
			return raw, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 30*time.Second))
		c.log.Warn("UniProt request retrying",
			"path", path,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *client) doOnce(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
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
	return raw, resp, nil
}
