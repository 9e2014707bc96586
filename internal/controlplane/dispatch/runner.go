// Package dispatch delivers planned package actions to endpoint agents over
// their local HTTP API.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/coordinator"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/protocol"
)

// DefaultAgentPort is where endpoint agents listen for action dispatch.
const DefaultAgentPort = 8421

// EndpointResolver looks up endpoint records for addressing.
type EndpointResolver interface {
	GetEndpoint(id string) (*store.Endpoint, error)
}

// HTTPRunner implements coordinator.PackageRunner by POSTing each action to
// the endpoint agent. Connection failures and 5xx answers are transient (the
// coordinator retries them); 4xx answers are permanent unit failures.
type HTTPRunner struct {
	resolver EndpointResolver
	client   *http.Client
	logger   *zap.Logger
	port     int
}

// NewHTTPRunner creates a runner. Call SetResolver before first use.
func NewHTTPRunner(logger *zap.Logger, port int) *HTTPRunner {
	if port <= 0 {
		port = DefaultAgentPort
	}
	return &HTTPRunner{
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
		port:   port,
	}
}

// SetResolver wires the endpoint lookup. Split from the constructor because
// the store is built after the runner during server assembly.
func (h *HTTPRunner) SetResolver(r EndpointResolver) {
	h.resolver = r
}

func (h *HTTPRunner) agentURL(ep *store.Endpoint, path string) string {
	return fmt.Sprintf("http://%s:%d%s", ep.Hostname, h.port, path)
}

// Apply delivers one action to the endpoint agent and waits for the result.
func (h *HTTPRunner) Apply(ctx context.Context, endpointID string, action protocol.Action) error {
	ep, err := h.resolver.GetEndpoint(endpointID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.agentURL(ep, "/v1/actions"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return coordinator.Transient(fmt.Errorf("agent unreachable: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return coordinator.Transient(fmt.Errorf("agent returned %d: %s", resp.StatusCode, detail))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent rejected %s %s: %d: %s", action.Type, action.Package, resp.StatusCode, detail)
	}
}

// InstalledPackages reads the endpoint agent's live package inventory.
func (h *HTTPRunner) InstalledPackages(ctx context.Context, endpointID string) (protocol.PackageMap, error) {
	ep, err := h.resolver.GetEndpoint(endpointID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.agentURL(ep, "/v1/packages"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	var installed protocol.PackageMap
	if err := json.NewDecoder(resp.Body).Decode(&installed); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	return installed, nil
}

var _ coordinator.PackageRunner = (*HTTPRunner)(nil)
