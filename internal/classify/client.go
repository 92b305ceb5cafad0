package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classifier is the external recognizer contract. The dialogue core only
// consumes its (intent, confidence) output; how text is classified is not
// this module's concern.
type Classifier interface {
	Classify(ctx context.Context, text string, convCtx map[string]any) (Result, error)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) Classify(ctx context.Context, text string, convCtx map[string]any) (Result, error) {
	if !c.Enabled() {
		return Result{}, fmt.Errorf("classifier service is not configured")
	}

	body, _ := json.Marshal(map[string]any{
		"text":    text,
		"context": convCtx,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("classifier status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out Result
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, err
	}
	return out, nil
}
