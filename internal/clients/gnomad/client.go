package gnomad

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

// Client reads population frequency records out of the gnomAD GraphQL API,
// keyed by ClinGen canonical allele id.
type Client interface {
	DataForCAIDs(ctx context.Context, caids []string) ([]Record, error)
}

// Record is one allele's frequency summary.
type Record struct {
	CAID             string          `json:"caid"`
	AlleleCount      int64           `json:"ac"`
	AlleleNumber     int64           `json:"an"`
	AlleleFrequency  float64         `json:"af"`
	Faf95Max         float64         `json:"faf95_max"`
	Faf95MaxAncestry string          `json:"faf95_max_ancestry"`
	Raw              json.RawMessage `json:"-"`
}

type Config struct {
	BaseURL    string
	Dataset    string
	Timeout    time.Duration
	MaxRetries int
	BatchSize  int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.Str("GNOMAD_API_URL", "https://gnomad.broadinstitute.org/api"),
		Dataset:    envutil.Str("GNOMAD_DATASET", "gnomad_r4"),
		Timeout:    envutil.Seconds("GNOMAD_TIMEOUT_SECONDS", 60*time.Second),
		MaxRetries: envutil.Int("GNOMAD_MAX_RETRIES", 4),
		BatchSize:  envutil.Int("GNOMAD_BATCH_SIZE", 100),
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
		return nil, fmt.Errorf("missing GNOMAD_API_URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &client{
		log:        log.With("client", "GnomADClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

const variantsByCAIDQuery = `
query VariantsByCAID($caids: [String!]!, $dataset: DatasetId!) {
  variants: variant_search(caids: $caids, dataset: $dataset) {
    caid
    joint { ac an af faf95 { popmax popmax_population } }
  }
}`

type gqlResponse struct {
	Data struct {
		Variants []struct {
			CAID  string `json:"caid"`
			Joint struct {
				AC    int64   `json:"ac"`
				AN    int64   `json:"an"`
				AF    float64 `json:"af"`
				Faf95 struct {
					Popmax           float64 `json:"popmax"`
					PopmaxPopulation string  `json:"popmax_population"`
				} `json:"faf95"`
			} `json:"joint"`
		} `json:"variants"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *client) DataForCAIDs(ctx context.Context, caids []string) ([]Record, error) {
	if len(caids) == 0 {
		return nil, nil
	}
	var out []Record
	for start := 0; start < len(caids); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(caids) {
			end = len(caids)
		}
		records, err := c.queryBatch(ctx, caids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func (c *client) queryBatch(ctx context.Context, caids []string) ([]Record, error) {
	body, err := json.Marshal(map[string]any{
		"query": variantsByCAIDQuery,
		"variables": map[string]any{
			"caids":   caids,
			"dataset": c.cfg.Dataset,
		},
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	var parsed gqlResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("gnomad: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("gnomad: query error: %s", parsed.Errors[0].Message)
	}

	out := make([]Record, 0, len(parsed.Data.Variants))
	for _, v := range parsed.Data.Variants {
		entry, _ := json.Marshal(v)
		out = append(out, Record{
			CAID:             v.CAID,
			AlleleCount:      v.Joint.AC,
			AlleleNumber:     v.Joint.AN,
			AlleleFrequency:  v.Joint.AF,
			Faf95Max:         v.Joint.Faf95.Popmax,
			Faf95MaxAncestry: v.Joint.Faf95.PopmaxPopulation,
			Raw:              entry,
		})
	}
	return out, nil
}

func (c *client) do(ctx context.Context, body []byte) ([]byte, error) {
	backoff := 1 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw, resp, err := c.doOnce(ctx, body)
		if err == nil {
			return raw, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 30*time.Second))
		c.log.Warn("gnomAD request retrying",
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *client) doOnce(ctx context.Context, body []byte) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

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
