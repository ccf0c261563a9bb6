package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/imhub/internal/completion"
	"github.com/memohai/imhub/internal/queue"
)

// HTTPProcessor posts each job as JSON to an external answering service and
// decodes {message, usage, resourceId} from the response.
type HTTPProcessor struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPProcessor(url, token string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPProcessor{
		url:    strings.TrimSpace(url),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProcessor) Process(ctx context.Context, job queue.Job) (*completion.Result, error) {
	if p.url == "" {
		return nil, fmt.Errorf("processor url is not configured")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read processor response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("processor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var result completion.Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode processor response: %w", err)
	}
	if result.Message == nil || strings.TrimSpace(result.Message.Content) == "" {
		return nil, nil
	}
	return &result, nil
}
