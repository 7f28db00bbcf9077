package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPFetcher is a thin Fetcher over a provider's pricing endpoint (spec
// §6.3: "Concrete HTTP endpoints are collaborator implementations"). Three
// named constructors below cover OpenAI, Anthropic, and Google; all three
// share this one implementation because the capability surface
// (fetchPricing -> map<model, {input_per_1k, output_per_1k}>) is identical
// across providers, only the endpoint and response shape are provider
// specific and handled by decode.
type HTTPFetcher struct {
	name    string
	url     string
	client  *http.Client
	decode  func([]byte) (map[string]Entry, error)
	headers map[string]string
}

func (f *HTTPFetcher) ProviderName() string { return f.name }

func (f *HTTPFetcher) FetchPricing(ctx context.Context, model string) (map[string]Entry, error) {
	url := f.url
	if model != "" {
		url = fmt.Sprintf("%s?model=%s", f.url, model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 5 * time.Second
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, &RetryAfterError{RetryAfter: retryAfter, Cause: fmt.Errorf("%s: rate limited", f.name)}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s: server error %d", f.name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", f.name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", f.name, err)
	}
	return f.decode(body)
}

type genericPricingResponse struct {
	Models []struct {
		ID          string  `json:"id"`
		InputPer1k  float64 `json:"input_per_1k"`
		OutputPer1k float64 `json:"output_per_1k"`
	} `json:"models"`
}

func decodeGenericPricing(body []byte) (map[string]Entry, error) {
	var resp genericPricingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode pricing response: %w", err)
	}
	out := make(map[string]Entry, len(resp.Models))
	now := time.Now().UTC()
	for _, m := range resp.Models {
		out[m.ID] = Entry{InputPer1k: m.InputPer1k, OutputPer1k: m.OutputPer1k, CapturedAt: now}
	}
	return out, nil
}

// NewOpenAIFetcher builds a Fetcher for OpenAI's pricing endpoint.
func NewOpenAIFetcher(baseURL, apiKey string, client *http.Client) Fetcher {
	return &HTTPFetcher{
		name: "openai", url: baseURL, client: client, decode: decodeGenericPricing,
		headers: map[string]string{"Authorization": "Bearer " + apiKey},
	}
}

// NewAnthropicFetcher builds a Fetcher for Anthropic's pricing endpoint.
func NewAnthropicFetcher(baseURL, apiKey string, client *http.Client) Fetcher {
	return &HTTPFetcher{
		name: "anthropic", url: baseURL, client: client, decode: decodeGenericPricing,
		headers: map[string]string{"x-api-key": apiKey},
	}
}

// NewGoogleFetcher builds a Fetcher for Google's pricing endpoint.
func NewGoogleFetcher(baseURL, apiKey string, client *http.Client) Fetcher {
	return &HTTPFetcher{
		name: "google", url: baseURL, client: client, decode: decodeGenericPricing,
		headers: map[string]string{"x-goog-api-key": apiKey},
	}
}
