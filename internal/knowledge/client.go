package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrOperationNotFound marks a 404 from the progress endpoint. The poller
// treats it as a retry signal up to its tolerance threshold.
var ErrOperationNotFound = errors.New("operation not found")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// ServerMessage returns the server's literal error message when the error
// carries one, otherwise fallback.
func ServerMessage(err error, fallback string) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && strings.TrimSpace(httpErr.Message) != "" {
		return httpErr.Message
	}
	return fallback
}

type CrawlRequest struct {
	URL           string   `json:"url"`
	KnowledgeType string   `json:"knowledge_type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MaxDepth      int      `json:"max_depth,omitempty"`
}

type UploadRequest struct {
	FileName      string
	Content       []byte
	KnowledgeType string
	Tags          []string
}

// StartResult is the server's acknowledgement of a crawl or upload start.
type StartResult struct {
	ProgressID string `json:"progressId"`
	Message    string `json:"message,omitempty"`
}

type PageRequest struct {
	KnowledgeType string
	Search        string
	Page          int
	PerPage       int
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8181"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) StartCrawl(ctx context.Context, req CrawlRequest) (StartResult, error) {
	var out startPayload
	err := c.doJSON(ctx, http.MethodPost, "/api/knowledge-items/crawl", req, &out)
	return out.normalize(), err
}

func (c *Client) UploadDocument(ctx context.Context, req UploadRequest) (StartResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", req.FileName)
	if err != nil {
		return StartResult{}, err
	}
	if _, err := part.Write(req.Content); err != nil {
		return StartResult{}, err
	}
	if req.KnowledgeType != "" {
		if err := writer.WriteField("knowledge_type", req.KnowledgeType); err != nil {
			return StartResult{}, err
		}
	}
	if len(req.Tags) > 0 {
		tags, marshalErr := json.Marshal(req.Tags)
		if marshalErr != nil {
			return StartResult{}, marshalErr
		}
		if err := writer.WriteField("tags", string(tags)); err != nil {
			return StartResult{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return StartResult{}, err
	}
	var out startPayload
	err = c.doRaw(ctx, http.MethodPost, "/api/documents/upload", writer.FormDataContentType(), body.Bytes(), &out)
	return out.normalize(), err
}

// GetProgress polls one operation. A 404 maps to ErrOperationNotFound so
// the poller can distinguish transient disappearance from other failures.
func (c *Client) GetProgress(ctx context.Context, operationID string) (Operation, error) {
	var out operationPayload
	err := c.doJSON(ctx, http.MethodGet, "/api/progress/"+url.PathEscape(operationID), nil, &out)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	if err != nil {
		return Operation{}, err
	}
	return out.normalize(), nil
}

// ListActiveOperations fetches the server's global active-operations
// listing. The trailing slash is load-bearing: the bare path redirects.
func (c *Client) ListActiveOperations(ctx context.Context) (OperationList, error) {
	var out operationListPayload
	if err := c.doJSON(ctx, http.MethodGet, "/api/progress/", nil, &out); err != nil {
		return OperationList{}, err
	}
	return out.normalize(), nil
}

// StopOperation asks the server to cancel an operation. A 404 means the
// operation already finished and is not an error.
func (c *Client) StopOperation(ctx context.Context, operationID string) error {
	err := c.doJSON(ctx, http.MethodPost, "/api/progress/"+url.PathEscape(operationID)+"/stop", nil, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) UpdateItem(ctx context.Context, sourceID string, patch ItemPatch) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/knowledge-items/"+url.PathEscape(sourceID), patch, nil)
}

func (c *Client) DeleteItem(ctx context.Context, sourceID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/knowledge-items/"+url.PathEscape(sourceID), nil, nil)
}

func (c *Client) GetItem(ctx context.Context, sourceID string) (Entity, error) {
	var out entityPayload
	if err := c.doJSON(ctx, http.MethodGet, "/api/knowledge-items/"+url.PathEscape(sourceID), nil, &out); err != nil {
		return Entity{}, err
	}
	return out.normalize(), nil
}

func (c *Client) ListItems(ctx context.Context, req PageRequest) (EntityPage, error) {
	q := url.Values{}
	if req.KnowledgeType != "" && req.KnowledgeType != "all" {
		q.Set("knowledge_type", req.KnowledgeType)
	}
	if req.Search != "" {
		q.Set("search", req.Search)
	}
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	if req.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(req.PerPage))
	}
	path := "/api/knowledge-items"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out entityPagePayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return EntityPage{}, err
	}
	return out.normalize(), nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	contentType := ""
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.doRaw(ctx, method, requestPath, contentType, bodyBytes, out)
}

func (c *Client) doRaw(ctx context.Context, method, requestPath, contentType string, bodyBytes []byte, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("request %s %s failed: %w", method, requestPath, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    extractServerMessage(payloadBytes),
		}
	}
}

// extractServerMessage pulls the human-readable message out of the common
// error payload shapes the server produces.
func extractServerMessage(payload []byte) string {
	var errPayload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	for _, candidate := range []string{errPayload.Detail, errPayload.Message, errPayload.Error} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return ""
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
