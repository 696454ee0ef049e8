package jobs

import (
	"context"
	"net/mail"
	"strings"
	"unicode"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

const maxNoteLength = 4000

// AddNote appends a free-text field note to the job's ledger.
func (s *Service) AddNote(ctx context.Context, actor models.Actor, kind models.Kind, id, note string) (models.ActivityEntry, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return models.ActivityEntry{}, apperr.MissingFields("note text is required", "note")
	}
	if len(note) > maxNoteLength {
		return models.ActivityEntry{}, apperr.InvalidInput("note exceeds %d characters", maxNoteLength)
	}
	job, err := s.Get(ctx, actor, kind, id)
	if err != nil {
		return models.ActivityEntry{}, err
	}
	return s.ledger.Append(ctx, job.ID, job.Kind, models.ActionFieldNote, note, actor, map[string]any{"status": string(job.Status)})
}

// CustomerPatch carries the contact fields to change; nil leaves a field as is.
type CustomerPatch struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

// UpdateCustomer edits the customer contact. The ledger entry records each changed field's old and
// new value. A patch that changes nothing writes nothing.
func (s *Service) UpdateCustomer(ctx context.Context, actor models.Actor, kind models.Kind, id string, patch CustomerPatch) (models.Job, error) {
	job, err := s.Get(ctx, actor, kind, id)
	if err != nil {
		return models.Job{}, err
	}
	next := job.Clone()
	changes := map[string]any{}
	apply := func(field string, dst *string, v *string) {
		if v == nil {
			return
		}
		nv := strings.TrimSpace(*v)
		if nv == *dst {
			return
		}
		changes[field] = map[string]any{"from": *dst, "to": nv}
		*dst = nv
	}
	apply("name", &next.Customer.Name, patch.Name)
	apply("email", &next.Customer.Email, patch.Email)
	apply("phone", &next.Customer.Phone, patch.Phone)
	if len(changes) == 0 {
		return job, nil
	}
	if strings.TrimSpace(next.Customer.Name) == "" {
		return models.Job{}, apperr.MissingFields("customer name cannot be cleared", "customer.name")
	}
	if err := validateContact(next.Customer); err != nil {
		return models.Job{}, err
	}

	entry := models.ActivityEntry{
		JobID:     job.ID,
		JobKind:   job.Kind,
		Action:    models.ActionCustomerUpdated,
		Summary:   "Customer contact updated",
		Actor:     actor,
		Metadata:  map[string]any{"changes": changes},
		CreatedAt: s.now(),
	}
	saved, err := s.store.UpdateJob(ctx, next, job.Version, []models.ActivityEntry{entry})
	if err != nil {
		return models.Job{}, err
	}
	s.ledger.Observe(entry)
	return saved, nil
}

// RecordPaymentLink ledgers a payable link handed to the customer on site.
func (s *Service) RecordPaymentLink(ctx context.Context, actor models.Actor, job models.Job, url string, amount models.Cents) error {
	_, err := s.ledger.Append(ctx, job.ID, job.Kind, models.ActionPaymentLink, "Payment link created", actor,
		map[string]any{"url": url, "amount": amount.String()})
	return err
}

func validateContact(c models.Contact) error {
	if strings.TrimSpace(c.Email) != "" {
		if err := validateEmail(c.Email); err != nil {
			return err
		}
	}
	if p := strings.TrimSpace(c.Phone); p != "" {
		digits := 0
		for _, r := range p {
			switch {
			case unicode.IsDigit(r):
				digits++
			case strings.ContainsRune(" +-().", r):
			default:
				return apperr.InvalidInput("phone %q contains %q", p, r)
			}
		}
		if digits < 7 || digits > 15 {
			return apperr.InvalidInput("phone %q must have 7 to 15 digits", p)
		}
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" || !strings.Contains(addr.Address, ".") {
		return apperr.InvalidInput("email %q is not a valid address", email)
	}
	return nil
}
