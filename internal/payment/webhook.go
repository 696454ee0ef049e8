package payment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/jobs"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

const settlementSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "job_id", "kind", "status"],
  "properties": {
    "event_id":     {"type": "string", "minLength": 1},
    "job_id":       {"type": "string", "minLength": 1},
    "kind":         {"enum": ["assessment", "inspection"]},
    "status":       {"enum": ["pending", "paid"]},
    "reference":    {"type": "string"},
    "amount_cents": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`

var settlementValidator = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settlement.json", strings.NewReader(settlementSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("settlement.json")
}()

// SettlementEvent is the processor's settlement callback body.
type SettlementEvent struct {
	EventID   string           `json:"event_id"`
	JobID     string           `json:"job_id"`
	Kind      models.Kind      `json:"kind"`
	Status    SettlementStatus `json:"status"`
	Reference string           `json:"reference,omitempty"`
	Amount    *models.Cents    `json:"amount_cents,omitempty"`
}

// ParseSettlementEvent validates raw against the callback schema and decodes it.
func ParseSettlementEvent(raw []byte) (SettlementEvent, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return SettlementEvent{}, apperr.InvalidInput("settlement body is not JSON: %v", err)
	}
	if err := settlementValidator.Validate(doc); err != nil {
		return SettlementEvent{}, apperr.InvalidInput("settlement body does not match schema: %v", err)
	}
	var ev SettlementEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return SettlementEvent{}, fmt.Errorf("decode settlement: %w", err)
	}
	return ev, nil
}

// Settlement converts the event for jobs.Service.RecordSettlement.
func (e SettlementEvent) Settlement() jobs.Settlement {
	ref := e.Reference
	if ref == "" {
		ref = e.EventID
	}
	return jobs.Settlement{Reference: ref, Amount: e.Amount, Source: "webhook"}
}
