// Package gateway is the single egress point to the Gemini API. Every LLM
// call in the service (reasoning, memory refinement, consolidation) goes
// through Gateway.Call, which owns authentication, retries, and the
// extraction of a JSON payload from the model's reply.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"impulseguard/internal/config"
	"impulseguard/internal/logging"

	"golang.org/x/oauth2"
)

// retryDelays is the backoff schedule for transient failures (5xx, network,
// non-JSON replies). Its length is the total attempt budget.
var defaultRetryDelays = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
}

// maxConsecutive429 caps back-to-back rate-limit waits. A 429 does not
// consume a retry attempt, so without the cap a hard-limited project would
// spin forever.
const maxConsecutive429 = 3

// Gateway is a Gemini REST client bound to one model.
type Gateway struct {
	tokens      oauth2.TokenSource
	baseURL     string
	model       string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// New builds a Gateway from configuration. The token source comes from
// LoadCredentials; a nil source is rejected up front.
func New(cfg config.LLMConfig, tokens oauth2.TokenSource) (*Gateway, error) {
	if tokens == nil {
		return nil, &CredentialError{Path: cfg.CredentialsPath, Reason: "no token source"}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gateway{
		tokens:      tokens,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		httpClient:  &http.Client{Timeout: cfg.GetTimeout()},
		retryDelays: defaultRetryDelays,
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type   string `json:"@type"`
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

// Call sends a prompt and returns the JSON object the model produced. The
// reply may arrive raw or wrapped in a Markdown code fence; both are handled.
// Permission failures and context expiry return typed errors and are never
// retried.
func (g *Gateway) Call(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	timer := logging.StartTimer(logging.CategoryGateway, "Call")
	defer timer.Stop()

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			ResponseMimeType: "application/json",
		},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)

	var lastErr error
	consecutive429 := 0

	for attempt := 0; attempt < len(g.retryDelays); attempt++ {
		if attempt > 0 {
			delay := g.retryDelays[attempt-1]
			logging.GatewayDebug("Attempt %d/%d after %v: %v", attempt+1, len(g.retryDelays), delay, lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, &DeadlineError{Cause: err}
			}
		}

		// Inner loop so a 429 wait does not consume a retry attempt
		for {
			raw, retryAfter, err := g.doRequest(ctx, url, payload)
			if err == nil {
				parsed, perr := extractJSON(raw)
				if perr == nil {
					return parsed, nil
				}
				// A reply the model failed to keep as JSON burns an
				// attempt like any other transient failure
				consecutive429 = 0
				lastErr = perr
				break
			}

			if errors.Is(err, errRateLimited) {
				consecutive429++
				if consecutive429 >= maxConsecutive429 {
					logging.Get(logging.CategoryGateway).Error("Rate limit cap reached after %d consecutive 429s", consecutive429)
					return nil, &RateLimitError{Consecutive: consecutive429}
				}
				wait := retryAfter
				if wait <= 0 {
					wait = 2 * g.delayForAttempt(attempt)
				}
				logging.Gateway("Rate limited (429), waiting %v (consecutive=%d)", wait, consecutive429)
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, &DeadlineError{Cause: err}
				}
				continue
			}

			var permErr *PermissionError
			if errors.As(err, &permErr) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, &DeadlineError{Cause: ctx.Err()}
			}
			consecutive429 = 0
			lastErr = err
			break
		}
	}

	logging.Get(logging.CategoryGateway).Error("All retries exhausted: %v", lastErr)
	return nil, fmt.Errorf("model call failed after %d attempts: %w", len(g.retryDelays), lastErr)
}

func (g *Gateway) delayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(g.retryDelays) {
		attempt = len(g.retryDelays) - 1
	}
	return g.retryDelays[attempt]
}

// errRateLimited is an internal sentinel for 429 responses.
var errRateLimited = errors.New("rate limited")

func (g *Gateway) doRequest(ctx context.Context, url string, payload []byte) (string, time.Duration, error) {
	token, err := g.tokens.Token()
	if err != nil {
		return "", 0, fmt.Errorf("failed to obtain access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", parseRetryAfter(resp.Header.Get("Retry-After")), errRateLimited
	case resp.StatusCode == http.StatusForbidden:
		return "", 0, classify403(body)
	default:
		return "", 0, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return "", 0, fmt.Errorf("API error %d: %s", apiResp.Error.Code, apiResp.Error.Message)
	}
	if len(apiResp.Candidates) == 0 || len(apiResp.Candidates[0].Content.Parts) == 0 {
		return "", 0, fmt.Errorf("no completion returned")
	}

	var text strings.Builder
	for _, part := range apiResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// classify403 digs the google.rpc.ErrorInfo reason out of a 403 body so the
// caller gets an actionable message instead of a raw status dump.
func classify403(body []byte) error {
	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Error != nil {
		for _, detail := range apiResp.Error.Details {
			if strings.HasSuffix(detail.Type, "ErrorInfo") && detail.Reason != "" {
				return &PermissionError{Reason: detail.Reason, Message: apiResp.Error.Message}
			}
		}
		return &PermissionError{Reason: apiResp.Error.Status, Message: apiResp.Error.Message}
	}
	return &PermissionError{Reason: "FORBIDDEN", Message: strings.TrimSpace(string(body))}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// extractJSON pulls a JSON object out of the model's reply. The reply may be
// the bare object, or wrapped in a ```json fence, or a plain ``` fence.
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)

	if fenced, ok := unfence(trimmed, "```json"); ok {
		trimmed = fenced
	} else if fenced, ok := unfence(trimmed, "```"); ok {
		trimmed = fenced
	}

	var check interface{}
	if err := json.Unmarshal([]byte(trimmed), &check); err != nil {
		return nil, fmt.Errorf("model reply is not valid JSON: %w", err)
	}
	return json.RawMessage(trimmed), nil
}

func unfence(text, opener string) (string, bool) {
	if !strings.HasPrefix(text, opener) {
		return "", false
	}
	inner := strings.TrimPrefix(text, opener)
	end := strings.LastIndex(inner, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(inner[:end]), true
}
