package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	excludedInfoKeys  = []string{"root", "root_id", "parent", "parent_id", "children", "result", "uuid", "clock"}
	timestampInfoKeys = []string{"received", "sent", "started", "rejected", "succeeded", "timestamp"}
)

// FlowerClient reads execution metadata from a Flower-compatible monitor.
type FlowerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewFlowerClient(baseURL string, timeout time.Duration) *FlowerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FlowerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *FlowerClient) TaskInfo(ctx context.Context, taskID string) (map[string]any, error) {
	endpoint := c.baseURL + "/api/task/info/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build monitor request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monitor request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("monitor returned status %d", resp.StatusCode)
	}
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode monitor response: %w", err)
	}
	return NormalizeTaskInfo(raw), nil
}

// NormalizeTaskInfo drops empty and internal fields and turns epoch
// timestamps into RFC3339 strings.
func NormalizeTaskInfo(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if isEmptyValue(v) {
			continue
		}
		out[k] = v
	}
	for _, k := range excludedInfoKeys {
		delete(out, k)
	}
	for _, k := range timestampInfoKeys {
		seconds, ok := out[k].(float64)
		if !ok || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			continue
		}
		whole, frac := math.Modf(seconds)
		out[k] = time.Unix(int64(whole), int64(frac*1e9)).UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	return out
}

func isEmptyValue(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	default:
		return false
	}
}
