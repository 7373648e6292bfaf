package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/inquest/horosafe"
	"github.com/hazyhaar/inquest/investigation"
)

// httpInvestigator calls an external investigation service over HTTP. The
// response classification drives retries: 4xx means the request itself is
// bad and will never succeed, everything else is worth redelivering.
type httpInvestigator struct {
	url    string
	token  string
	client *http.Client
}

func newHTTPInvestigator(cfg investigatorConfig) (*httpInvestigator, error) {
	if err := horosafe.ValidateURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("investigator url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &httpInvestigator{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type investigateRequest struct {
	InvestigationID string                `json:"investigation_id"`
	Platform        string                `json:"platform"`
	PostURL         string                `json:"post_url,omitempty"`
	Author          string                `json:"author,omitempty"`
	Content         string                `json:"content"`
	ContentHash     string                `json:"content_hash"`
	Provenance      string                `json:"provenance"`
	PriorClaims     []investigation.Claim `json:"prior_claims,omitempty"`
	Credential      string                `json:"credential,omitempty"`
}

type investigateResponse struct {
	Claims       []investigation.Claim `json:"claims"`
	ModelVersion string                `json:"model_version"`
}

func (c *httpInvestigator) Investigate(ctx context.Context, in *investigation.Input) (*investigation.Result, error) {
	body, err := json.Marshal(investigateRequest{
		InvestigationID: in.InvestigationID,
		Platform:        in.Post.Platform,
		PostURL:         in.Post.URL,
		Author:          in.Post.Author,
		Content:         in.Content,
		ContentHash:     in.ContentHash,
		Provenance:      string(in.Provenance),
		PriorClaims:     in.PriorClaims,
		Credential:      string(in.Credential),
	})
	if err != nil {
		return nil, investigation.NonRetryable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, investigation.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, investigation.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, investigation.Transient(fmt.Errorf("investigator rate limited"))
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return nil, investigation.NonRetryable(fmt.Errorf("investigator rejected request: status %d", resp.StatusCode))
	default:
		return nil, investigation.Transient(fmt.Errorf("investigator status %d", resp.StatusCode))
	}

	raw, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return nil, investigation.Transient(err)
	}
	// A 2xx body that doesn't parse is malformed model output, not a blip:
	// re-sending the same request would get the same garbage back.
	var out investigateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, investigation.NonRetryable(fmt.Errorf("investigator response: %w", err))
	}
	if out.ModelVersion == "" {
		return nil, investigation.NonRetryable(fmt.Errorf("investigator response missing model_version"))
	}
	return &investigation.Result{Claims: out.Claims, ModelVersion: out.ModelVersion}, nil
}
