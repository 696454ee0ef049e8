// Package payment collects payment on site: it asks the processor for a payable link, polls for
// settlement and, once paid, records the settlement against the job.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// SettlementStatus is the processor's view of a job's payment.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementPaid    SettlementStatus = "paid"
)

// Link is a payable link created for a job.
type Link struct {
	URL string `json:"url"`
}

// Settlement is the processor's answer to a status poll.
type Settlement struct {
	Status    SettlementStatus `json:"status"`
	Reference string           `json:"reference,omitempty"`
	Amount    *models.Cents    `json:"amount_cents,omitempty"`
}

// Processor is the external payment processor.
type Processor interface {
	CreatePayableLink(ctx context.Context, jobID string, amount models.Cents) (Link, error)
	GetSettlement(ctx context.Context, jobID string) (Settlement, error)
}

// HTTPProcessor talks to the processor's REST API.
type HTTPProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProcessor(baseURL, apiKey string, timeout time.Duration) *HTTPProcessor {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProcessor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProcessor) CreatePayableLink(ctx context.Context, jobID string, amount models.Cents) (Link, error) {
	body, err := json.Marshal(map[string]any{"job_id": jobID, "amount_cents": amount})
	if err != nil {
		return Link{}, fmt.Errorf("encode link request: %w", err)
	}
	var link Link
	if err := p.do(ctx, http.MethodPost, "/payment-links", bytes.NewReader(body), &link); err != nil {
		return Link{}, err
	}
	if link.URL == "" {
		return Link{}, fmt.Errorf("processor returned an empty payment link")
	}
	return link, nil
}

func (p *HTTPProcessor) GetSettlement(ctx context.Context, jobID string) (Settlement, error) {
	var st Settlement
	if err := p.do(ctx, http.MethodGet, "/settlements/"+url.PathEscape(jobID), nil, &st); err != nil {
		return Settlement{}, err
	}
	switch st.Status {
	case SettlementPending, SettlementPaid:
		return st, nil
	case "":
		st.Status = SettlementPending
		return st, nil
	}
	return Settlement{}, fmt.Errorf("processor returned unknown settlement status %q", st.Status)
}

type processorError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (p *HTTPProcessor) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if p.baseURL == "" {
		return fmt.Errorf("payment processor url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call processor: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read processor response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var pe processorError
		if json.Unmarshal(raw, &pe) == nil && (pe.Message != "" || pe.Error != "") {
			msg := pe.Message
			if msg == "" {
				msg = pe.Error
			}
			return fmt.Errorf("processor returned %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("processor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode processor response: %w", err)
	}
	return nil
}
