// Package httpadapter implements provider.Client over HTTP against a
// remote deep-research service, wrapped in the shared circuit breaker and
// response-size-limited transport from internal/httpclient.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	researcherrors "github.com/cklxx/deepresearch/internal/errors"
	"github.com/cklxx/deepresearch/internal/httpclient"
	"github.com/cklxx/deepresearch/internal/logging"
	"github.com/cklxx/deepresearch/internal/provider"
)

const maxResponseBytes = 4 << 20 // 4 MiB; reports can be long markdown documents.

// Adapter talks to the remote service's session-oriented HTTP API:
// POST {base}/sessions to submit, GET {base}/sessions/{handle} to poll.
type Adapter struct {
	baseURL    string
	credential string
	httpClient *http.Client
	logger     logging.Logger
}

// Config configures Adapter construction.
type Config struct {
	BaseURL    string
	Credential string
	Timeout    time.Duration
	Logger     logging.Logger
}

// New builds an Adapter whose outbound transport is guarded by a circuit
// breaker named "research-provider".
func New(cfg Config) *Adapter {
	logger := logging.OrNop(cfg.Logger)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Adapter{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		credential: cfg.Credential,
		httpClient: httpclient.NewWithCircuitBreaker(timeout, logger, "research-provider"),
		logger:     logger,
	}
}

type submitRequest struct {
	Query string `json:"query"`
	Model string `json:"model"`
}

type submitResponse struct {
	Handle string `json:"handle"`
	State  string `json:"state"`
}

// Submit implements provider.Client.
func (a *Adapter) Submit(ctx context.Context, query, model string) (provider.SubmitResult, error) {
	body, err := json.Marshal(submitRequest{Query: query, Model: model})
	if err != nil {
		return provider.SubmitResult{}, researcherrors.Wrap(researcherrors.KindIO, err, "failed to encode submit request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return provider.SubmitResult{}, researcherrors.Wrap(researcherrors.KindProviderUnavailable, err, "failed to build submit request")
	}
	a.applyHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.SubmitResult{}, a.classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return provider.SubmitResult{}, researcherrors.Wrap(researcherrors.KindProviderUnavailable, err, "failed to read submit response")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return provider.SubmitResult{}, classifyStatus(resp.StatusCode, raw)
	}

	var parsed submitResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return provider.SubmitResult{}, researcherrors.Wrap(researcherrors.KindProviderFailed, err, "malformed submit response")
	}
	return provider.SubmitResult{Handle: parsed.Handle, InitialState: provider.State(parsed.State)}, nil
}

type pollResponse struct {
	State         string           `json:"state"`
	Progress      int              `json:"progress"`
	CurrentAction string           `json:"current_action"`
	TokensIn      int              `json:"tokens_in"`
	TokensOut     int              `json:"tokens_out"`
	Report        string           `json:"report"`
	Sources       []sourcePayload  `json:"sources"`
	ErrorMessage  string           `json:"error_message"`
}

type sourcePayload struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Poll implements provider.Client.
func (a *Adapter) Poll(ctx context.Context, handle string) (provider.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/sessions/"+handle, nil)
	if err != nil {
		return provider.PollResult{}, researcherrors.Wrap(researcherrors.KindProviderUnavailable, err, "failed to build poll request")
	}
	a.applyHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.PollResult{}, a.classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return provider.PollResult{}, researcherrors.Wrap(researcherrors.KindProviderUnavailable, err, "failed to read poll response")
	}
	if resp.StatusCode == http.StatusGone {
		return provider.PollResult{State: provider.StateExpired}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return provider.PollResult{}, classifyStatus(resp.StatusCode, raw)
	}

	var parsed pollResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return provider.PollResult{}, researcherrors.Wrap(researcherrors.KindProviderFailed, err, "malformed poll response")
	}

	sources := make([]provider.Source, 0, len(parsed.Sources))
	for _, s := range parsed.Sources {
		sources = append(sources, provider.Source{
			Title:          s.Title,
			URL:            s.URL,
			Snippet:        s.Snippet,
			RelevanceScore: s.RelevanceScore,
		})
	}

	return provider.PollResult{
		State:         provider.State(parsed.State),
		Progress:      parsed.Progress,
		CurrentAction: parsed.CurrentAction,
		TokensIn:      parsed.TokensIn,
		TokensOut:     parsed.TokensOut,
		Report:        parsed.Report,
		Sources:       sources,
		ErrorMessage:  parsed.ErrorMessage,
	}, nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.credential != "" {
		req.Header.Set("Authorization", "Bearer "+a.credential)
	}
}

func (a *Adapter) classifyTransportError(err error) error {
	return researcherrors.Wrap(researcherrors.KindProviderUnavailable, err, "research provider unreachable")
}

func classifyStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return researcherrors.Wrap(researcherrors.KindProviderUnavailable, fmt.Errorf("status %d: %s", status, msg), "provider rejected credentials")
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return researcherrors.Wrap(researcherrors.KindProviderUnavailable, fmt.Errorf("status %d: %s", status, msg), "provider temporarily unavailable")
	default:
		return researcherrors.Wrap(researcherrors.KindProviderFailed, fmt.Errorf("status %d: %s", status, msg), "provider rejected the request")
	}
}

var _ provider.Client = (*Adapter)(nil)
