package clingen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/varianteffect/mavedb-worker/internal/pkg/httpx"
	"github.com/varianteffect/mavedb-worker/internal/platform/envutil"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// LDHClient submits mapped-variant evidence to the ClinGen Linked Data Hub
// and reads back per-variant linked records.
type LDHClient interface {
	Authenticate(ctx context.Context) error
	DispatchSubmissions(ctx context.Context, submissions []Submission, batchSize int) (successes, failures []SubmissionOutcome, err error)
	GetClinGenVariation(ctx context.Context, variantURN string) (*Variation, error)
}

// Submission is one LDH event document, keyed by the variant urn it
// describes.
type Submission struct {
	VariantURN string
	Document   map[string]any
}

type SubmissionOutcome struct {
	VariantURN string
	Err        error
}

// Variation is the subset of an LDH record the jobs consume: the canonical
// allele id and any linked ClinVar allele ids.
type Variation struct {
	VariantURN       string
	CAID             string
	ClinVarAlleleIDs []string
	Raw              json.RawMessage
}

type LDHConfig struct {
	Endpoint   string
	Username   string
	Password   string
	Timeout    time.Duration
	MaxRetries int
}

func LDHConfigFromEnv() LDHConfig {
	return LDHConfig{
		Endpoint:   envutil.Str("LDH_SUBMISSION_ENDPOINT", ""),
		Username:   envutil.Str("LDH_USERNAME", ""),
		Password:   envutil.Str("LDH_PASSWORD", ""),
		Timeout:    envutil.Seconds("LDH_TIMEOUT_SECONDS", 60*time.Second),
		MaxRetries: envutil.Int("LDH_MAX_RETRIES", 4),
	}
}

func NewLDHFromEnv(log *logger.Logger) (LDHClient, error) {
	return NewLDH(log, LDHConfigFromEnv())
}

func NewLDH(log *logger.Logger, cfg LDHConfig) (LDHClient, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("missing LDH_SUBMISSION_ENDPOINT")
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &ldhClient{
		log:        log.With("client", "ClinGenLDHClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type ldhClient struct {
	log        *logger.Logger
	cfg        LDHConfig
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

type ldhAuthResponse struct {
	Token string `json:"id_token"`
}

// Authenticate exchanges the configured credentials for a bearer token.
// DispatchSubmissions calls it lazily; it is safe to call again to refresh.
func (c *ldhClient) Authenticate(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return fmt.Errorf("ldh: credentials required (LDH_USERNAME, LDH_PASSWORD)")
	}
	body, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	raw, err := c.do(ctx, http.MethodPost, "/auth/login", body, false)
	if err != nil {
		return fmt.Errorf("ldh authenticate: %w", err)
	}
	var parsed ldhAuthResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("ldh authenticate: decode response: %w", err)
	}
	if parsed.Token == "" {
		return fmt.Errorf("ldh authenticate: empty token")
	}
	c.mu.Lock()
	c.token = parsed.Token
	c.mu.Unlock()
	return nil
}

func (c *ldhClient) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// DispatchSubmissions posts event documents in batches. Every document gets
// an individual outcome; a transport failure fails the whole remaining batch.
func (c *ldhClient) DispatchSubmissions(ctx context.Context, submissions []Submission, batchSize int) ([]SubmissionOutcome, []SubmissionOutcome, error) {
	if len(submissions) == 0 {
		return nil, nil, nil
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if c.bearer() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, nil, err
		}
	}

	var successes, failures []SubmissionOutcome
	for start := 0; start < len(submissions); start += batchSize {
		end := start + batchSize
		if end > len(submissions) {
			end = len(submissions)
		}
		batch := submissions[start:end]

		docs := make([]map[string]any, 0, len(batch))
		for _, s := range batch {
			docs = append(docs, s.Document)
		}
		body, err := json.Marshal(docs)
		if err != nil {
			return successes, failures, fmt.Errorf("ldh: encode batch: %w", err)
		}

		if _, err := c.do(ctx, http.MethodPost, "/submit", body, true); err != nil {
			for _, s := range batch {
				failures = append(failures, SubmissionOutcome{VariantURN: s.VariantURN, Err: err})
			}
			c.log.Warn("LDH batch submission failed",
				"batch_start", start,
				"batch_size", len(batch),
				"error", err.Error(),
			)
			continue
		}
		for _, s := range batch {
			successes = append(successes, SubmissionOutcome{VariantURN: s.VariantURN})
		}
	}
	return successes, failures, nil
}

type ldhVariationResponse struct {
	Data struct {
		ID  string `json:"id"`
		Ext struct {
			ClinVarAlleles []struct {
				AlleleID json.Number `json:"alleleId"`
			} `json:"clinvarAlleles"`
		} `json:"externalRecords"`
	} `json:"data"`
}

// GetClinGenVariation reads the linked record for one variant urn.
func (c *ldhClient) GetClinGenVariation(ctx context.Context, variantURN string) (*Variation, error) {
	variantURN = strings.TrimSpace(variantURN)
	if variantURN == "" {
		return nil, fmt.Errorf("ldh: variant urn required")
	}
	raw, err := c.do(ctx, http.MethodGet, "/Variant?content=\""+variantURN+"\"", nil, false)
	if err != nil {
		return nil, err
	}
	var parsed ldhVariationResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("ldh: decode variation: %w", err)
	}
	out := &Variation{
		VariantURN: variantURN,
		CAID:       caidFromURI(parsed.Data.ID),
		Raw:        raw,
	}
	for _, cv := range parsed.Data.Ext.ClinVarAlleles {
		if s := cv.AlleleID.String(); s != "" {
			out.ClinVarAlleleIDs = append(out.ClinVarAlleleIDs, s)
		}
	}
	return out, nil
}

func (c *ldhClient) do(ctx context.Context, method, path string, body []byte, authed bool) ([]byte, error) {
	backoff := 1 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw, resp, err := c.doOnce(ctx, method, path, body, authed)
		if err == nil {
			return raw, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 30*time.Second))
		c.log.Warn("LDH request retrying",
			"path", path,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *ldhClient) doOnce(ctx context.Context, method, path string, body []byte, authed bool) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.bearer())
	}

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

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
