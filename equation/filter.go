package equation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/warp/value-engine/rea"
)

// DateLayout is the date format used in filter payloads.
const DateLayout = "2006-01-02"

// =============================================================================
// BUCKET FILTER PAYLOADS
// =============================================================================

// Filter selects the candidate events for one bucket run.
//
//	{"method": "dates", "start_date": "2025-01-01", "end_date": "2025-03-31", "context_agent": "org"}
//	{"method": "order", "order_ids": ["o-1"]}
//	{"method": "shipment", "event_ids": ["ship-1"]}
//	{"method": "process", "process_ids": ["p-1", "p-2"]}
type Filter struct {
	Method       FilterMethod    `json:"method" validate:"required,oneof=dates order shipment process"`
	StartDate    string          `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate      string          `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ContextAgent rea.AgentID     `json:"context_agent,omitempty"`
	OrderIDs     []rea.OrderID   `json:"order_ids,omitempty" validate:"omitempty,dive,required"`
	EventIDs     []rea.EventID   `json:"event_ids,omitempty" validate:"omitempty,dive,required"`
	ProcessIDs   []rea.ProcessID `json:"process_ids,omitempty" validate:"omitempty,dive,required"`
}

var filterValidate = newFilterValidator()

func newFilterValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(selectedIDs, Filter{})
	return v
}

// selectedIDs requires at least one ID for the order, shipment and process
// methods. An empty list selects nothing.
func selectedIDs(sl validator.StructLevel) {
	f := sl.Current().Interface().(Filter)
	switch f.Method {
	case MethodOrder:
		if len(f.OrderIDs) == 0 {
			sl.ReportError(f.OrderIDs, "order_ids", "OrderIDs", "min", "1")
		}
	case MethodShipment:
		if len(f.EventIDs) == 0 {
			sl.ReportError(f.EventIDs, "event_ids", "EventIDs", "min", "1")
		}
	case MethodProcess:
		if len(f.ProcessIDs) == 0 {
			sl.ReportError(f.ProcessIDs, "process_ids", "ProcessIDs", "min", "1")
		}
	}
}

// ParseFilter decodes and validates one filter payload.
func ParseFilter(data []byte) (Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return f, f.Validate()
}

// Validate checks field formats and that the range is not inverted.
func (f Filter) Validate() error {
	if err := filterValidate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidFilter, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if _, err := f.Dates(); err != nil {
		return err
	}
	return nil
}

// Dates returns the filter's date range. End dates are inclusive of the day.
func (f Filter) Dates() (rea.DateRange, error) {
	var r rea.DateRange
	if f.StartDate != "" {
		t, err := time.Parse(DateLayout, f.StartDate)
		if err != nil {
			return r, fmt.Errorf("%w: start_date: %v", ErrInvalidFilter, err)
		}
		r.Start = t
	}
	if f.EndDate != "" {
		t, err := time.Parse(DateLayout, f.EndDate)
		if err != nil {
			return r, fmt.Errorf("%w: end_date: %v", ErrInvalidFilter, err)
		}
		r.End = t.Add(24*time.Hour - time.Nanosecond)
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return r, fmt.Errorf("%w: end_date before start_date", ErrInvalidFilter)
	}
	return r, nil
}

// Describe renders the filter for claim explanations and audit records.
func (f Filter) Describe() string {
	var parts []string
	switch f.Method {
	case MethodDates:
		if f.StartDate != "" {
			parts = append(parts, "Start date: "+f.StartDate)
		}
		if f.EndDate != "" {
			parts = append(parts, "End date: "+f.EndDate)
		}
		if f.ContextAgent != "" {
			parts = append(parts, "Context agent: "+string(f.ContextAgent))
		}
	case MethodOrder:
		parts = append(parts, "Orders: "+joinIDs(f.OrderIDs))
	case MethodShipment:
		parts = append(parts, "Shipments: "+joinIDs(f.EventIDs))
	case MethodProcess:
		parts = append(parts, "Processes: "+joinIDs(f.ProcessIDs))
	}
	return strings.Join(parts, " ")
}

func joinIDs[T ~string](ids []T) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}

// Filters maps bucket ID to that bucket's filter for one run.
type Filters map[string]Filter

// ParseFilters decodes {"bucket-id": {...filter...}, ...}.
func ParseFilters(data []byte) (Filters, error) {
	raw := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
	}
	out := make(Filters, len(raw))
	for id, msg := range raw {
		f, err := ParseFilter(msg)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", id, err)
		}
		out[id] = f
	}
	return out, nil
}

// CheckAgainst verifies that every filter names a bucket of ve and that
// every bucket needing a filter has one whose method matches the bucket's
// configured method.
func (fs Filters) CheckAgainst(ve *ValueEquation) error {
	for id := range fs {
		if ve.Bucket(id) == nil {
			return fmt.Errorf("%w: value equation %s has no bucket %s", ErrInvalidFilter, ve.ID, id)
		}
	}
	for _, b := range ve.Buckets {
		if b.IsFixed() {
			continue
		}
		f, ok := fs[b.ID]
		if !ok {
			if b.FilterMethod == MethodDates {
				continue
			}
			return fmt.Errorf("%w: bucket %s needs a %s filter", ErrInvalidFilter, b.ID, b.FilterMethod)
		}
		if f.Method != b.FilterMethod {
			return fmt.Errorf("%w: bucket %s uses method %s, filter has %s",
				ErrInvalidFilter, b.ID, b.FilterMethod, f.Method)
		}
	}
	return nil
}

// =============================================================================
// RULE PREVIEW
// =============================================================================

// RuleMatches lists the context agent's events a rule would value, for
// checking a rule while authoring it.
func (ve *ValueEquation) RuleMatches(ctx context.Context, g rea.FlowGraph, rule *BucketRule) ([]rea.Event, error) {
	events, err := g.ContextEvents(ctx, ve.ContextAgent, rea.DateRange{})
	if err != nil {
		return nil, err
	}
	var out []rea.Event
	for _, e := range events {
		pt, err := ProcessTypeOf(ctx, g, e)
		if err != nil {
			return nil, err
		}
		if rule.Matches(e, pt) {
			out = append(out, e)
		}
	}
	return out, nil
}
