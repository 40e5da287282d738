// Package hss is the HSS/S6a collaborator client of spec.md §6. Fetching
// a real authentication vector requires the Milenage/AKA algorithms,
// which spec.md §1 places out of scope for this control plane; Client is
// the seam a real S6a implementation would sit behind.
package hss

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client fetches an authentication vector for an IMSI.
type Client interface {
	FetchVector(ctx context.Context, imsi string) (*emmcontext.AuthenticationVector, error)
}

// HTTPClient is the real collaborator shape, grounded on
// nf/amf/internal/client/ausf_client.go: a base URL, a timeout-bound
// *http.Client, and JSON request/response bodies over
// context-constructed requests.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds an HSS client pointed at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type vectorRequest struct {
	IMSI          string `json:"imsi"`
	CorrelationID string `json:"correlation_id"`
}

type vectorResponse struct {
	RAND  []byte `json:"rand"`
	AUTN  []byte `json:"autn"`
	XRES  []byte `json:"xres"`
	KASME []byte `json:"kasme"`
}

// FetchVector performs a POST /auth-vectors round trip against the HSS.
func (c *HTTPClient) FetchVector(ctx context.Context, imsi string) (*emmcontext.AuthenticationVector, error) {
	correlationID := uuid.NewString()
	body, err := json.Marshal(vectorRequest{IMSI: imsi, CorrelationID: correlationID})
	if err != nil {
		return nil, fmt.Errorf("hss: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth-vectors", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hss: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.logger != nil {
		c.logger.Debug("requesting authentication vector",
			zap.String("imsi", imsi),
			zap.String("correlation_id", correlationID),
		)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hss: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hss: unexpected status %d", resp.StatusCode)
	}

	var out vectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("hss: decode response: %w", err)
	}

	return &emmcontext.AuthenticationVector{
		RAND:  out.RAND,
		AUTN:  out.AUTN,
		XRES:  out.XRES,
		KASME: out.KASME,
	}, nil
}

var _ Client = (*HTTPClient)(nil)

// Deterministic is a test double satisfying Client without performing any
// AKA/Milenage computation — vectors are random bytes of the right
// length, sufficient to drive the attach flow's control logic (which
// never inspects vector contents beyond treating authentication as
// succeeding or failing).
type Deterministic struct {
	logger *zap.Logger
}

// NewDeterministic builds the test-double HSS client.
func NewDeterministic(logger *zap.Logger) *Deterministic {
	return &Deterministic{logger: logger}
}

// FetchVector returns a freshly randomized vector; it never fails.
func (d *Deterministic) FetchVector(ctx context.Context, imsi string) (*emmcontext.AuthenticationVector, error) {
	vec := &emmcontext.AuthenticationVector{
		RAND:  randomBytes(16),
		AUTN:  randomBytes(16),
		XRES:  randomBytes(8),
		KASME: randomBytes(32),
	}
	if d.logger != nil {
		d.logger.Debug("generated deterministic auth vector", zap.String("imsi", imsi))
	}
	return vec, nil
}

var _ Client = (*Deterministic)(nil)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
