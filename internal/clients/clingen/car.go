package clingen

import (
	"bytes"
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

// CARClient registers HGVS strings with the ClinGen Allele Registry and
// returns the canonical allele ids it assigns.
type CARClient interface {
	DispatchSubmissions(ctx context.Context, hgvs []string) ([]RegisteredAllele, error)
}

// RegisteredAllele is one registry response entry, keyed back to the HGVS
// string it was submitted for. An empty CAID means registration failed for
// that allele.
type RegisteredAllele struct {
	HGVS string
	CAID string
	Raw  json.RawMessage
}

type CARConfig struct {
	Endpoint   string
	Login      string
	Password   string
	Timeout    time.Duration
	MaxRetries int
}

func CARConfigFromEnv() CARConfig {
	return CARConfig{
		Endpoint:   envutil.Str("CAR_SUBMISSION_ENDPOINT", ""),
		Login:      envutil.Str("CAR_LOGIN", ""),
		Password:   envutil.Str("CAR_PASSWORD", ""),
		Timeout:    envutil.Seconds("CAR_TIMEOUT_SECONDS", 120*time.Second),
		MaxRetries: envutil.Int("CAR_MAX_RETRIES", 4),
	}
}

func NewCARFromEnv(log *logger.Logger) (CARClient, error) {
	return NewCAR(log, CARConfigFromEnv())
}

func NewCAR(log *logger.Logger, cfg CARConfig) (CARClient, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("missing CAR_SUBMISSION_ENDPOINT")
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &carClient{
		log:        log.With("client", "ClinGenAlleleRegistryClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type carClient struct {
	log        *logger.Logger
	cfg        CARConfig
	httpClient *http.Client
}

type carAlleleResponse struct {
	ID string `json:"@id"`
}

func (c *carClient) DispatchSubmissions(ctx context.Context, hgvs []string) ([]RegisteredAllele, error) {
	if len(hgvs) == 0 {
		return nil, nil
	}
	// The registry's bulk endpoint takes newline-delimited HGVS and answers
	// with a JSON array in submission order.
	body := strings.Join(hgvs, "\n")
	raw, err := c.do(ctx, "/alleles?file=hgvs", []byte(body))
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("car: decode response: %w", err)
	}
	if len(entries) != len(hgvs) {
		return nil, fmt.Errorf("car: response count %d does not match submission count %d", len(entries), len(hgvs))
	}

	out := make([]RegisteredAllele, 0, len(entries))
	for i, entry := range entries {
		var parsed carAlleleResponse
		_ = json.Unmarshal(entry, &parsed)
		out = append(out, RegisteredAllele{
			HGVS: hgvs[i],
			CAID: caidFromURI(parsed.ID),
			Raw:  entry,
		})
	}
	return out, nil
}

// caidFromURI pulls the "CA..." id off the registry's @id URI.
func caidFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}
	idx := strings.LastIndex(uri, "/")
	id := uri[idx+1:]
	if !strings.HasPrefix(id, "CA") {
		return ""
	}
	return id
}

func (c *carClient) do(ctx context.Context, path string, body []byte) ([]byte, error) {
	backoff := 1 * time.Second
	url := c.cfg.Endpoint + path
	if c.cfg.Login != "" {
		url += "&login=" + c.cfg.Login
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw, resp, err := c.doOnce(ctx, url, body)
		if err == nil {
			return raw, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 30*time.Second))
		c.log.Warn("Allele registry request retrying",
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *carClient) doOnce(ctx context.Context, url string, body []byte) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "text/plain")
	if c.cfg.Password != "" {
		req.Header.Set("Authorization", "Basic "+basicAuth(c.cfg.Login, c.cfg.Password))
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
