// Package delivery sends finished reports to the customer through the hosting application's
// notification service.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Recipient is one addressee of a result delivery.
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Linker resolves a stored report reference to a link the recipient can open.
type Linker interface {
	Link(ctx context.Context, ref string) (string, error)
}

type passthrough struct{}

func (passthrough) Link(_ context.Context, ref string) (string, error) { return ref, nil }

// Recipients lists the customer and, when different, the payer.
func Recipients(job models.Job) []Recipient {
	var out []Recipient
	if strings.TrimSpace(job.Customer.Email) != "" {
		out = append(out, Recipient{Name: job.Customer.Name, Email: job.Customer.Email, Role: "customer"})
	}
	fold := cases.Fold()
	if p := strings.TrimSpace(job.Payer.Email); p != "" && fold.String(p) != fold.String(strings.TrimSpace(job.Customer.Email)) {
		out = append(out, Recipient{Name: job.Payer.Name, Email: job.Payer.Email, Role: "payer"})
	}
	return out
}

type report struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type deliveryRequest struct {
	DeliveryID string        `json:"delivery_id"`
	JobID      string        `json:"job_id"`
	Kind       models.Kind   `json:"kind"`
	Address    string        `json:"address,omitempty"`
	Recipients []Recipient   `json:"recipients"`
	Reports    []report      `json:"reports"`
	AmountDue  *models.Cents `json:"amount_due_cents,omitempty"`
	Payment    string        `json:"payment_status"`
}

// DeliveryKey identifies one delivery attempt of job at its current version. A retry of the same
// attempt carries the same key so the notification service can drop the repeat.
func DeliveryKey(job models.Job) string {
	return fmt.Sprintf("%s:%s:v%d", job.Kind, job.ID, job.Version)
}

// HTTPNotifier posts delivery requests to a notification endpoint.
type HTTPNotifier struct {
	url    string
	client *http.Client
	links  Linker
	logger *slog.Logger
}

// NewHTTPNotifier builds a notifier. links may be nil, in which case report URLs are sent as stored.
func NewHTTPNotifier(url string, timeout time.Duration, links Linker, logger *slog.Logger) *HTTPNotifier {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if links == nil {
		links = passthrough{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNotifier{url: url, client: &http.Client{Timeout: timeout}, links: links, logger: logger}
}

// DeliverResult sends the job's reports to recipients. Any failure, including a non-2xx
// response, is returned with the upstream message.
func (n *HTTPNotifier) DeliverResult(ctx context.Context, job models.Job, recipients []Recipient) error {
	if n.url == "" {
		return fmt.Errorf("notifier url is not configured")
	}
	if len(recipients) == 0 {
		return fmt.Errorf("job %s has no recipient email", job.ID)
	}
	names := make([]string, 0, len(job.ReportURLs))
	for name := range job.ReportURLs {
		names = append(names, name)
	}
	sort.Strings(names)

	body := deliveryRequest{
		DeliveryID: DeliveryKey(job),
		JobID:      job.ID,
		Kind:       job.Kind,
		Address:    job.Address,
		Recipients: recipients,
		Payment:    string(job.PaymentStatus),
	}
	if amount, ok := job.AmountDue(); ok && job.PaymentStatus != models.PaymentPaid {
		body.AmountDue = &amount
	}
	for _, name := range names {
		link, err := n.links.Link(ctx, job.ReportURLs[name])
		if err != nil {
			return fmt.Errorf("link report %s: %w", name, err)
		}
		body.Reports = append(body.Reports, report{Name: name, URL: link})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", DeliveryKey(job))
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("notifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	n.logger.Info("delivery.sent", "job_id", job.ID, "recipients", len(recipients), "reports", len(body.Reports))
	return nil
}
