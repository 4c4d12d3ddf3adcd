package clinvar

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/varianteffect/mavedb-worker/internal/pkg/httpx"
	"github.com/varianteffect/mavedb-worker/internal/platform/envutil"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// Client fetches ClinVar's monthly variant_summary archive. The TSV is
// consumed transiently; nothing is cached on disk.
type Client interface {
	FetchVariantSummaryTSV(ctx context.Context, month, year int) ([]byte, error)
}

// Record is one variant_summary row reduced to the fields the control
// refresh needs, keyed by ClinVar allele id.
type Record struct {
	AlleleID             string
	VariationType        string
	Name                 string
	GeneSymbol           string
	ClinicalSignificance string
	ReviewStatus         string
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.Str("CLINVAR_ARCHIVE_URL", "https://ftp.ncbi.nlm.nih.gov/pub/clinvar/tab_delimited/archive"),
		Timeout:    envutil.Seconds("CLINVAR_TIMEOUT_SECONDS", 10*time.Minute),
		MaxRetries: envutil.Int("CLINVAR_MAX_RETRIES", 4),
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
		return nil, fmt.Errorf("missing CLINVAR_ARCHIVE_URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "ClinVarClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func (c *client) FetchVariantSummaryTSV(ctx context.Context, month, year int) ([]byte, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("clinvar: month %d out of range", month)
	}
	if year < 2000 {
		return nil, fmt.Errorf("clinvar: year %d out of range", year)
	}
	path := fmt.Sprintf("/%d/variant_summary_%d-%02d.txt.gz", year, year, month)

	backoff := 2 * time.Second
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw, resp, err := c.fetchOnce(ctx, path)
		if err == nil {
			return raw, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 60*time.Second))
		c.log.Warn("ClinVar archive fetch retrying",
			"path", path,
			"attempt", attempt+1,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *client) fetchOnce(ctx context.Context, path string) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resp, &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("clinvar: open gzip: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, resp, fmt.Errorf("clinvar: read archive: %w", err)
	}
	return raw, resp, nil
}

// Parse indexes a variant_summary TSV by allele id. Rows for assemblies
// other than GRCh38 are dropped so each allele appears once.
func Parse(tsv []byte) (map[string]Record, error) {
	scanner := bufio.NewScanner(bytes.NewReader(tsv))
	scanner.Buffer(make([]byte, 0, 1024*1024), 8*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("clinvar: empty TSV")
	}
	header := strings.Split(strings.TrimPrefix(scanner.Text(), "#"), "\t")
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"AlleleID", "ClinicalSignificance", "ReviewStatus", "Assembly"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("clinvar: TSV missing %s column", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := map[string]Record{}
	for scanner.Scan() {
		row := strings.Split(scanner.Text(), "\t")
		if field(row, "Assembly") != "GRCh38" {
			continue
		}
		alleleID := field(row, "AlleleID")
		if alleleID == "" || alleleID == "-1" {
			continue
		}
		out[alleleID] = Record{
			AlleleID:             alleleID,
			VariationType:        field(row, "Type"),
			Name:                 field(row, "Name"),
			GeneSymbol:           field(row, "GeneSymbol"),
			ClinicalSignificance: field(row, "ClinicalSignificance"),
			ReviewStatus:         field(row, "ReviewStatus"),
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("clinvar: scan TSV: %w", err)
	}
	return out, nil
}
