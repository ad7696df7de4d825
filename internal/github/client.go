// Package github is a thin client for the code host's REST API: code
// search, git blobs, repository metadata, and per-user repository listing.
// Each call makes exactly one request after waiting on the matching limiter
// bucket; retries are the caller's concern.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
	"github.com/JakeFAU/plugin-crawler/internal/metrics"
)

const (
	// DefaultBaseURL is the public API endpoint.
	DefaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
	maxErrorBody   = 4096
)

// Config controls the client.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	// MaxRetryAfter caps host-provided wait hints.
	MaxRetryAfter time.Duration
	// BlobCacheSize is the number of decoded blobs kept in memory.
	BlobCacheSize int
}

// Client implements crawler.SearchClient, crawler.BlobFetcher, and
// crawler.RepoClient.
type Client struct {
	http          *http.Client
	baseURL       *url.URL
	token         string
	userAgent     string
	maxRetryAfter time.Duration
	limiter       crawler.Limiter
	clock         crawler.Clock
	blobs         *lru.Cache[string, crawler.Blob]
	logger        *zap.Logger
}

// New builds a Client. limiter and clock are required.
func New(cfg Config, httpClient *http.Client, limiter crawler.Limiter, clock crawler.Clock, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: github token is required", crawler.ErrFatal)
	}
	if limiter == nil || clock == nil {
		return nil, errors.New("limiter and clock are required")
	}
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	size := cfg.BlobCacheSize
	if size <= 0 {
		size = 2048
	}
	cache, err := lru.New[string, crawler.Blob](size)
	if err != nil {
		return nil, fmt.Errorf("blob cache: %w", err)
	}
	maxWait := cfg.MaxRetryAfter
	if maxWait <= 0 {
		maxWait = 15 * time.Minute
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "plugin-crawler/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:          httpClient,
		baseURL:       base,
		token:         cfg.Token,
		userAgent:     userAgent,
		maxRetryAfter: maxWait,
		limiter:       limiter,
		clock:         clock,
		blobs:         cache,
		logger:        logger,
	}, nil
}

type ownerJSON struct {
	Login   string `json:"login"`
	HTMLURL string `json:"html_url"`
}

type repoJSON struct {
	FullName        string     `json:"full_name"`
	Name            string     `json:"name"`
	HTMLURL         string     `json:"html_url"`
	Description     *string    `json:"description"`
	Owner           ownerJSON  `json:"owner"`
	DefaultBranch   string     `json:"default_branch"`
	StargazersCount int        `json:"stargazers_count"`
	ForksCount      int        `json:"forks_count"`
	OpenIssuesCount int        `json:"open_issues_count"`
	CreatedAt       *time.Time `json:"created_at"`
	Fork            bool       `json:"fork"`
	Size            int64      `json:"size"`
	CloneURL        string     `json:"clone_url"`
}

func (r repoJSON) info() crawler.RepositoryInfo {
	return crawler.RepositoryInfo{
		FullName:        r.FullName,
		Name:            r.Name,
		HTMLURL:         r.HTMLURL,
		Description:     r.Description,
		OwnerLogin:      r.Owner.Login,
		OwnerURL:        r.Owner.HTMLURL,
		DefaultBranch:   r.DefaultBranch,
		StargazersCount: r.StargazersCount,
		ForksCount:      r.ForksCount,
		OpenIssuesCount: r.OpenIssuesCount,
		CreatedAt:       r.CreatedAt,
	}
}

func (r repoJSON) metadata(now time.Time) crawler.RepoMetadata {
	return crawler.RepoMetadata{
		Repository: r.info(),
		Fork:       r.Fork,
		SizeKB:     r.Size,
		CloneURL:   r.CloneURL,
		FetchedAt:  now,
	}
}

type searchJSON struct {
	TotalCount        int  `json:"total_count"`
	IncompleteResults bool `json:"incomplete_results"`
	Items             []struct {
		Name       string   `json:"name"`
		Path       string   `json:"path"`
		SHA        string   `json:"sha"`
		HTMLURL    string   `json:"html_url"`
		Repository repoJSON `json:"repository"`
	} `json:"items"`
}

// SearchCode runs one page of a code-search query.
func (c *Client) SearchCode(ctx context.Context, query string, page, perPage int) (crawler.SearchPage, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	var body searchJSON
	if err := c.get(ctx, crawler.BucketSearch, "search_code", "/search/code", params, &body); err != nil {
		return crawler.SearchPage{}, err
	}
	out := crawler.SearchPage{
		TotalCount:        body.TotalCount,
		IncompleteResults: body.IncompleteResults,
		Hits:              make([]crawler.CodeHit, 0, len(body.Items)),
	}
	for _, item := range body.Items {
		out.Hits = append(out.Hits, crawler.CodeHit{
			Name:       item.Name,
			Path:       item.Path,
			SHA:        item.SHA,
			HTMLURL:    item.HTMLURL,
			Repository: item.Repository.info(),
		})
	}
	if body.IncompleteResults {
		c.logger.Debug("search page reported incomplete results",
			zap.String("query", query),
			zap.Int("page", page),
		)
	}
	return out, nil
}

type blobJSON struct {
	SHA      string `json:"sha"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// FetchBlob downloads and decodes one git blob. Blobs are content addressed,
// so forks sharing a file hit the cache.
func (c *Client) FetchBlob(ctx context.Context, fullName, sha string) (crawler.Blob, error) {
	if blob, ok := c.blobs.Get(sha); ok {
		return blob, nil
	}
	var body blobJSON
	path := "/repos/" + fullName + "/git/blobs/" + url.PathEscape(sha)
	if err := c.get(ctx, crawler.BucketCore, "get_blob", path, nil, &body); err != nil {
		return crawler.Blob{}, err
	}
	var content []byte
	switch body.Encoding {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
		if err != nil {
			return crawler.Blob{}, fmt.Errorf("decode blob %s: %w", sha, err)
		}
		content = decoded
	case "utf-8", "":
		content = []byte(body.Content)
	default:
		return crawler.Blob{}, fmt.Errorf("blob %s: unsupported encoding %q", sha, body.Encoding)
	}
	blob := crawler.Blob{SHA: sha, Size: body.Size, Content: content}
	c.blobs.Add(sha, blob)
	return blob, nil
}

// GetRepository reads full repository metadata.
func (c *Client) GetRepository(ctx context.Context, fullName string) (crawler.RepoMetadata, error) {
	var body repoJSON
	if err := c.get(ctx, crawler.BucketCore, "get_repo", "/repos/"+fullName, nil, &body); err != nil {
		return crawler.RepoMetadata{}, err
	}
	return body.metadata(c.clock.Now()), nil
}

// ListUserRepositories returns one page of repositories owned by user.
func (c *Client) ListUserRepositories(ctx context.Context, user string, page, perPage int) ([]crawler.RepoMetadata, error) {
	params := url.Values{}
	params.Set("type", "owner")
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	var body []repoJSON
	path := "/users/" + url.PathEscape(user) + "/repos"
	if err := c.get(ctx, crawler.BucketCore, "list_user_repos", path, params, &body); err != nil {
		return nil, err
	}
	now := c.clock.Now()
	out := make([]crawler.RepoMetadata, 0, len(body))
	for _, r := range body {
		out = append(out, r.metadata(now))
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, bucket, endpoint, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx, bucket); err != nil {
		return err
	}
	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	if params != nil {
		target.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", endpoint, ctxErr)
		}
		return fmt.Errorf("%s: %w: %w", endpoint, crawler.ErrRetryable, err)
	}
	defer resp.Body.Close()
	metrics.ObserveHostRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		hostErr := c.hostError(resp)
		c.logger.Debug("host request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", hostErr.Status),
			zap.Duration("retry_after", hostErr.RetryAfter),
			zap.String("message", hostErr.Message),
		)
		return fmt.Errorf("%s: %w", endpoint, hostErr)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w: %w", endpoint, crawler.ErrRetryable, err)
	}
	return nil
}

func (c *Client) hostError(resp *http.Response) *crawler.HostError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		message = payload.Message
	}
	return &crawler.HostError{
		Status:     resp.StatusCode,
		Message:    message,
		RetryAfter: c.retryAfter(resp.Header),
	}
}

// retryAfter reads Retry-After (seconds or HTTP date), falling back to the
// primary rate limit reset when the remaining budget is zero.
func (c *Client) retryAfter(h http.Header) time.Duration {
	now := c.clock.Now()
	var wait time.Duration
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			wait = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			wait = at.Sub(now)
		}
	} else if h.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			wait = time.Unix(reset, 0).Sub(now)
		}
	}
	if wait < 0 {
		return 0
	}
	return min(wait, c.maxRetryAfter)
}
