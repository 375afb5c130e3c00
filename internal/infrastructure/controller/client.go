package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/cache"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TotalCountHeader carries the unpaged task count on list responses.
const TotalCountHeader = "total-count"

// Client talks to the controller's REST API.
type Client struct {
	baseURL    string
	apiPrefix  string
	token      string
	httpClient *http.Client
	cache      *cache.ResourceCache
	logger     *logger.Logger
	tracer     trace.Tracer
}

type ClientConfig struct {
	BaseURL   string
	APIPrefix string
	Token     string
	Timeout   time.Duration
	// Cache, when set, keeps ETag-carrying GET responses for conditional
	// revalidation until their path is invalidated.
	Cache  *cache.ResourceCache
	Logger *logger.Logger
	Tracer trace.Tracer
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("controller")
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiPrefix:  cfg.APIPrefix,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cfg.Cache,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
}

// ListTasks returns one page of tasks, newest first, and the total count.
func (c *Client) ListTasks(ctx context.Context, limit, offset int) ([]domain.ShortTask, int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	body, header, err := c.get(ctx, "/tasks?"+q.Encode())
	if err != nil {
		return nil, 0, err
	}

	var tasks []domain.ShortTask
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, 0, fmt.Errorf("failed to parse task list: %w", err)
	}

	total := len(tasks) + offset
	if raw := header.Get(TotalCountHeader); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.logger.Warnw("controller_bad_total_count", "value", raw)
		} else {
			total = n
		}
	}
	return tasks, total, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*domain.DetailedTask, error) {
	body, _, err := c.get(ctx, "/tasks/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var task domain.DetailedTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task: %w", err)
	}
	return &task, nil
}

func (c *Client) CancelTask(ctx context.Context, id string) error {
	_, err := c.post(ctx, "/tasks/"+url.PathEscape(id)+"/cancel")
	return err
}

func (c *Client) RetryTask(ctx context.Context, id string) error {
	_, err := c.post(ctx, "/tasks/"+url.PathEscape(id)+"/retry")
	return err
}

func artifactPath(identifier string) string {
	return "/download-image?identifier=" + url.QueryEscape(identifier)
}

// HeadArtifact checks that the image for identifier can be downloaded.
func (c *Client) HeadArtifact(ctx context.Context, identifier string) error {
	resp, err := c.do(ctx, http.MethodHead, artifactPath(identifier), "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DownloadArtifact streams the image for identifier into dir and returns
// the written file's path.
func (c *Client) DownloadArtifact(ctx context.Context, identifier, dir string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, artifactPath(identifier), "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".fleetwatch-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	written, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	target := filepath.Join(dir, artifactFileName(resp.Header.Get("Content-Disposition"), identifier))
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move artifact: %w", err)
	}

	c.logger.Infow("controller_artifact_saved", "identifier", identifier, "path", target, "bytes", written)
	return target, nil
}

func artifactFileName(disposition, identifier string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			name := filepath.Base(params["filename"])
			if name != "." && name != "/" && name != "" && name != ".." {
				return name
			}
		}
	}
	return filepath.Base(identifier) + ".img"
}

// get always asks the controller. A cached response only supplies its ETag
// as If-None-Match, and its body is reused when the controller answers 304.
func (c *Client) get(ctx context.Context, path string) ([]byte, http.Header, error) {
	key := c.apiPrefix + path
	var cached cache.Entry
	var validator string
	if c.cache != nil {
		if e, ok := c.cache.Get(key); ok {
			cached = e
			validator = e.Header.Get("ETag")
		}
	}

	resp, err := c.do(ctx, http.MethodGet, path, validator)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.logger.Debugw("controller_not_modified", "path", key)
		return cached.Body, cached.Header, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if c.cache != nil && resp.Header.Get("ETag") != "" {
		c.cache.Set(key, cache.Entry{Body: body, Header: resp.Header.Clone()})
	}
	return body, resp.Header, nil
}

func (c *Client) post(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodPost, path, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// do sends one request and returns the response when the status is 2xx, or
// 304 for a conditional request carrying ifNoneMatch. The caller closes the
// body.
func (c *Client) do(ctx context.Context, method, path, ifNoneMatch string) (*http.Response, error) {
	start := time.Now()
	target := c.baseURL + c.apiPrefix + path

	ctx, span := c.tracer.Start(ctx, "controller."+strings.ToLower(method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("url.path", c.apiPrefix+path),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warnw("controller_network_error", "method", method, "path", path, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "network")
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debugw("controller_response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode == http.StatusNotModified && ifNoneMatch != "" {
		return resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		span.SetStatus(codes.Error, resp.Status)
		c.logger.Warnw("controller_bad_status", "method", method, "path", path, "status", resp.StatusCode)

		sentinel := domain.ErrControllerStatus
		if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/download-image") {
			sentinel = domain.ErrArtifactUnavailable
		}
		return nil, fmt.Errorf("%w: %d %s", sentinel, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
