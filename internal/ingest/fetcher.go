// Package ingest fills the document store: it fetches articles from NewsAPI
// and summarizes them with a local model.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/retry"
	"github.com/abdul-hamid-achik/newsrag/internal/tracer"
	"github.com/abdul-hamid-achik/newsrag/internal/version"
)

const (
	defaultNewsURL  = "https://newsapi.org"
	everythingPath  = "/v2/everything"
	maxPageSize     = 100
	removedArticle  = "[Removed]"
	maxNewsErrorLen = 4 << 10
)

// ErrMissingNewsKey is returned when no NewsAPI key is configured.
var ErrMissingNewsKey = errors.New("NEWS_API_KEY not configured")

// APIError is a non-2xx NewsAPI response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("newsapi error (status %d, %s): %s", e.Status, e.Code, e.Message)
}

// HTTPStatus lets the retry policy tell 4xx from 5xx.
func (e *APIError) HTTPStatus() int {
	return e.Status
}

// FetcherConfig configures the NewsAPI fetcher.
type FetcherConfig struct {
	BaseURL       string
	APIKey        string
	Language      string
	PageSize      int
	MaxPages      int
	RatePerSecond float64
	LookbackDays  int
	Timeout       time.Duration
	Retry         retry.Policy
}

// DefaultFetcherConfig returns defaults matching the free NewsAPI tier.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		BaseURL:       defaultNewsURL,
		Language:      "en",
		PageSize:      maxPageSize,
		MaxPages:      1,
		RatePerSecond: 1,
		LookbackDays:  7,
		Timeout:       30 * time.Second,
		Retry:         retry.DefaultPolicy(),
	}
}

// ArticleStore is where fetched articles go.
type ArticleStore interface {
	InsertArticle(ctx context.Context, a db.Article) (int64, bool, error)
}

// FetchResult summarizes one fetch.
type FetchResult struct {
	Query      string        `json:"query"`
	Fetched    int           `json:"fetched"`
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Skipped    int           `json:"skipped"`
	Pages      int           `json:"pages"`
	Duration   time.Duration `json:"duration"`
}

type newsArticle struct {
	Source struct {
		Name string `json:"name"`
	} `json:"source"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
}

type newsResponse struct {
	Status       string        `json:"status"`
	Code         string        `json:"code"`
	Message      string        `json:"message"`
	TotalResults int           `json:"totalResults"`
	Articles     []newsArticle `json:"articles"`
}

// Fetcher pulls articles from NewsAPI's everything endpoint.
type Fetcher struct {
	config  FetcherConfig
	store   ArticleStore
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewFetcher creates a fetcher that stores into store.
func NewFetcher(cfg FetcherConfig, store ArticleStore) *Fetcher {
	d := DefaultFetcherConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	if cfg.Language == "" {
		cfg.Language = d.Language
	}
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = d.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = d.MaxPages
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = d.RatePerSecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Fetcher{
		config:  cfg,
		store:   store,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		now:     time.Now,
	}
}

// Fetch retrieves articles matching query, page by page, and stores the ones
// not seen before.
func (f *Fetcher) Fetch(ctx context.Context, query string) (*FetchResult, error) {
	if f.config.APIKey == "" {
		return nil, ErrMissingNewsKey
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("fetch query is empty")
	}

	ctx, span := tracer.Start(ctx, "ingest.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("ingest.query", query))

	start := time.Now()
	result := &FetchResult{Query: query}

	for page := 1; page <= f.config.MaxPages; page++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return result, fmt.Errorf("rate limiter: %w", err)
		}

		var resp *newsResponse
		err := retry.Do(ctx, f.config.Retry, func(ctx context.Context) error {
			var err error
			resp, err = f.fetchPage(ctx, query, page)
			return err
		})
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}
		result.Pages++
		result.Fetched += len(resp.Articles)

		for _, a := range resp.Articles {
			article, ok := toArticle(a)
			if !ok {
				result.Skipped++
				continue
			}
			_, inserted, err := f.store.InsertArticle(ctx, article)
			if err != nil {
				return result, fmt.Errorf("failed to store article: %w", err)
			}
			if inserted {
				result.Inserted++
			} else {
				result.Duplicates++
			}
		}

		logger.Debug(ctx, "news page fetched", "page", page, "articles", len(resp.Articles), "total", resp.TotalResults)
		if len(resp.Articles) < f.config.PageSize || page*f.config.PageSize >= resp.TotalResults {
			break
		}
	}

	result.Duration = time.Since(start)
	logger.Info(ctx, "news fetched",
		"query", query,
		"fetched", result.Fetched,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates,
	)
	return result, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, query string, page int) (*newsResponse, error) {
	now := f.now().UTC()
	params := url.Values{}
	params.Set("q", query)
	params.Set("language", f.config.Language)
	params.Set("sortBy", "publishedAt")
	params.Set("pageSize", strconv.Itoa(f.config.PageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("to", now.Format("2006-01-02"))
	if f.config.LookbackDays > 0 {
		params.Set("from", now.AddDate(0, 0, -f.config.LookbackDays).Format("2006-01-02"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.BaseURL+everythingPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", f.config.APIKey)
	req.Header.Set("User-Agent", "newsrag/"+version.Version)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxNewsErrorLen))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed newsResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
		}
		return nil, apiErr
	}

	var out newsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Status != "" && out.Status != "ok" {
		return nil, &APIError{Status: resp.StatusCode, Code: out.Code, Message: out.Message}
	}
	return &out, nil
}

// toArticle drops articles NewsAPI reports as removed or that have no URL.
func toArticle(a newsArticle) (db.Article, bool) {
	if a.URL == "" || a.Title == removedArticle {
		return db.Article{}, false
	}
	content := a.Content
	if content == "" {
		content = a.Description
	}
	article := db.Article{
		Title:   strings.TrimSpace(a.Title),
		Content: content,
		URL:     a.URL,
		Source:  a.Source.Name,
	}
	if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
		article.PublishedAt = t
	}
	return article, true
}
