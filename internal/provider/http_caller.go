package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultCallTimeout = 30 * time.Second
	callsPath          = "/calls"
)

type placeCallRequest struct {
	PhoneNumber string            `json:"phone_number"`
	Name        string            `json:"name,omitempty"`
	AssistantID string            `json:"assistant_id"`
	SIPTrunkID  string            `json:"sip_trunk_id,omitempty"`
	FromNumber  string            `json:"from_number,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Metadata    map[string]string `json:"metadata"`
}

type placeCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HTTPCallPlacer places calls through the calling service REST API.
type HTTPCallPlacer struct {
	client  *resty.Client
	baseURL string
	apiKey  string
}

// NewHTTPCallPlacer builds a placer whose HTTP timeout matches the per-attempt call
// timeout, so the dispatcher's deadline is the one that applies.
func NewHTTPCallPlacer(baseURL string, apiKey string, timeout time.Duration) (*HTTPCallPlacer, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewHTTPCallPlacerWithClient(baseURL, apiKey, client)
}

func NewHTTPCallPlacerWithClient(baseURL string, apiKey string, client *resty.Client) (*HTTPCallPlacer, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("call service url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid call service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultCallTimeout)
	}
	// Retries belong to the dispatcher so every attempt gets its own dedupe key.
	client.SetRetryCount(0)

	return &HTTPCallPlacer{
		client:  client,
		baseURL: trimmed,
		apiKey:  strings.TrimSpace(apiKey),
	}, nil
}

func (p *HTTPCallPlacer) PlaceCall(ctx context.Context, req CallRequest) (*CallResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("call placer is not initialized")
	}
	if strings.TrimSpace(req.DedupeKey) == "" {
		return nil, &ProviderError{Message: "dedupe key is required"}
	}

	body := placeCallRequest{
		PhoneNumber: req.Contact.PhoneNumber,
		Name:        req.Contact.Name,
		AssistantID: req.AssistantID,
		SIPTrunkID:  req.SIPTrunkID,
		FromNumber:  req.FromNumber,
		Variables:   req.Contact.Variables,
		Metadata: map[string]string{
			"campaign_id":   req.CampaignID,
			"workspace_id":  req.WorkspaceID,
			"contact_index": fmt.Sprintf("%d", req.Contact.Index),
		},
	}

	var parsed placeCallResponse
	request := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", req.DedupeKey).
		SetBody(body).
		SetResult(&parsed)
	if p.apiKey != "" {
		request.SetHeader("X-API-Key", p.apiKey)
	}

	response, err := request.Post(p.baseURL + callsPath)
	if err != nil {
		return nil, &ProviderError{
			Message:   "call service request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "call service returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    callServiceErrorMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	callID := strings.TrimSpace(parsed.CallID)
	if callID == "" {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Message:    "call service response is missing call_id",
			Transient:  true,
		}
	}

	result := &CallResult{
		CallID:  callID,
		Outcome: ParseCallOutcome(parsed.Status),
		Reason:  strings.TrimSpace(parsed.Reason),
	}
	if result.Outcome == CallOutcomeUnresolved && result.Reason == "" {
		result.Reason = "call status " + strings.TrimSpace(parsed.Status)
	}
	return result, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func callServiceErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("call service returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
