package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/gpu"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

// SidecarClient talks to the model-serving process that owns the device.
// The worker only sees the opaque load/encode/run/unload contract.
type SidecarClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewSidecarClient(baseURL string, timeout time.Duration) *SidecarClient {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &SidecarClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type loadRequest struct {
	Task      string `json:"task"`
	Precision string `json:"precision"`
}

type loadResponse struct {
	Handle       string   `json:"handle"`
	Identity     string   `json:"identity"`
	Device       string   `json:"device"`
	Capabilities []string `json:"capabilities"`
}

type encodeResponse struct {
	Tensors gpu.TensorSet `json:"tensors"`
}

type runRequest struct {
	Payload    map[string]any `json:"payload"`
	Embeddings gpu.TensorSet  `json:"embeddings,omitempty"`
}

type runResponse struct {
	Result []byte   `json:"result"`
	Logs   []string `json:"logs"`
}

type sidecarError struct {
	Error string `json:"error"`
}

func (c *SidecarClient) Load(ctx context.Context, spec domain.PipelineSpec) (ports.Pipeline, error) {
	var out loadResponse
	if err := c.do(ctx, http.MethodPost, "/pipelines", loadRequest{Task: spec.TaskName, Precision: spec.Precision}, &out); err != nil {
		return nil, err
	}
	if out.Handle == "" {
		return nil, errors.New("sidecar returned an empty pipeline handle")
	}
	identity := out.Identity
	if identity == "" {
		identity = spec.TaskName
	}
	return &sidecarPipeline{
		client:       c,
		handle:       out.Handle,
		identity:     identity,
		device:       gpu.ParseDevice(out.Device),
		capabilities: domain.ParseCapabilities(out.Capabilities),
	}, nil
}

func (c *SidecarClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode sidecar request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build sidecar request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload sidecarError
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		msg := payload.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", domain.ErrNoTaskHandler, msg)
		}
		if resp.StatusCode == http.StatusNotImplemented {
			return fmt.Errorf("%w: %s", domain.ErrNotImplemented, msg)
		}
		return fmt.Errorf("sidecar %s %s returned %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sidecar response: %w", err)
	}
	return nil
}

type sidecarPipeline struct {
	client       *SidecarClient
	handle       string
	identity     string
	device       gpu.Device
	capabilities domain.Capability
}

func (p *sidecarPipeline) Identity() string {
	return p.identity
}

func (p *sidecarPipeline) Device() gpu.Device {
	return p.device
}

func (p *sidecarPipeline) Capabilities() domain.Capability {
	return p.capabilities
}

func (p *sidecarPipeline) path(suffix string) string {
	return "/pipelines/" + url.PathEscape(p.handle) + suffix
}

func (p *sidecarPipeline) EncodePrompt(ctx context.Context, args ports.PromptArgs) (gpu.Value, error) {
	if !p.capabilities.Has(domain.CapPromptEncoding) {
		return nil, domain.ErrNotImplemented
	}
	var out encodeResponse
	if err := p.client.do(ctx, http.MethodPost, p.path("/encode"), args, &out); err != nil {
		return nil, err
	}
	return out.Tensors, nil
}

func (p *sidecarPipeline) Run(ctx context.Context, payload map[string]any, embeddings gpu.Value) (ports.RunOutput, error) {
	req := runRequest{Payload: payload}
	if embeddings != nil {
		set, ok := embeddings.(gpu.TensorSet)
		if !ok {
			return ports.RunOutput{}, fmt.Errorf("%w: unsupported embeddings type %T", domain.ErrInvalidInput, embeddings)
		}
		req.Embeddings = set
	}
	var out runResponse
	if err := p.client.do(ctx, http.MethodPost, p.path("/run"), req, &out); err != nil {
		return ports.RunOutput{}, err
	}
	return ports.RunOutput{Result: out.Result, Logs: out.Logs}, nil
}

func (p *sidecarPipeline) Release(ctx context.Context) error {
	return p.client.do(ctx, http.MethodDelete, p.path(""), nil, nil)
}
