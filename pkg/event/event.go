// Package event defines the Event type that flows through the scan
// engine's bus: every datum a plug-in produces, every state change a
// scan goes through, and every error a module raises is an Event.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies the shape and routing of an Event's payload. Plug-ins
// declare the Types they emit and consume in their plugin.Descriptor;
// the bus and resolver route purely on this string.
type Type string

// Kind distinguishes domain data events from the engine's own lifecycle
// and diagnostic events, which share the bus but are never subject to
// module routing.
type Kind string

const (
	KindData      Kind = "data"
	KindScanState Kind = "scan_state"
	KindError     Kind = "error"
)

// Risk is a module's own assessment of a finding's severity. Modules
// that don't have an opinion leave it at RiskUnknown rather than
// defaulting to INFO, so observers can tell "assessed as harmless"
// apart from "not assessed".
type Risk string

const (
	RiskInfo     Risk = "INFO"
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
	RiskUnknown  Risk = "UNKNOWN"
)

// Event is the unit of information exchanged on the bus. Every Event
// belongs to exactly one scan and, except for scan-seed events, carries
// a SourceEventID chain back to the seed that caused it.
type Event struct {
	ID              string            `json:"id"`
	ScanID          string            `json:"scan_id"`
	Type            Type              `json:"type"`
	Kind            Kind              `json:"kind"`
	Module          string            `json:"module"`
	Data            map[string]any    `json:"data"`
	SourceEventID   string            `json:"source_event_id,omitempty"`
	Depth           int               `json:"depth"`
	CreatedAt       time.Time         `json:"created_at"`
	IsFalsePositive bool              `json:"is_false_positive"`
	Tags            map[string]string `json:"tags,omitempty"`

	// Risk is the producing module's severity assessment of this
	// finding; Confidence is that module's confidence in the finding
	// itself, 0-100. New and Derive set them to RiskUnknown and 0 for
	// events that carry no risk opinion; an Event built as a struct
	// literal, such as the Scan Controller's scan-state events, has an
	// empty Risk instead.
	Risk       Risk `json:"risk,omitempty"`
	Confidence int  `json:"confidence,omitempty"`
}

// New creates a seed Event: one with no causal parent, depth zero. Seed
// events are the scan's configured initial inputs.
func New(scanID string, typ Type, module string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		ScanID:    scanID,
		Type:      typ,
		Kind:      KindData,
		Module:    module,
		Data:      data,
		CreatedAt: time.Now(),
		Risk:      RiskUnknown,
	}
}

// Derive creates a child Event caused by the receiver: it stamps
// SourceEventID and increments Depth, preserving the receiver's ScanID.
// Callers are responsible for enforcing a maximum depth via
// engineerrors.ErrDeliveryDepthExceeded before publishing the result.
func (e *Event) Derive(typ Type, module string, data map[string]any) *Event {
	return &Event{
		ID:            uuid.NewString(),
		ScanID:        e.ScanID,
		Type:          typ,
		Kind:          KindData,
		Module:        module,
		Data:          data,
		SourceEventID: e.ID,
		Depth:         e.Depth + 1,
		CreatedAt:     time.Now(),
		Risk:          RiskUnknown,
	}
}

// WithRisk sets Risk and Confidence (0-100, clamped) on e and returns
// e for chaining at the call site that constructs a finding.
func (e *Event) WithRisk(risk Risk, confidence int) *Event {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	e.Risk = risk
	e.Confidence = confidence
	return e
}

// MarshalZerologObject lets callers log an Event with log.Info().
// Object("event", evt) and get structured fields instead of a %v dump.
func (e *Event) MarshalZerologObject(zctx *zerolog.Event) {
	zctx.Str("id", e.ID).
		Str("scan_id", e.ScanID).
		Str("type", string(e.Type)).
		Str("kind", string(e.Kind)).
		Str("module", e.Module).
		Str("source_event_id", e.SourceEventID).
		Int("depth", e.Depth).
		Bool("false_positive", e.IsFalsePositive).
		Str("risk", string(e.Risk)).
		Int("confidence", e.Confidence)
}

// ErrorPayload is the Data shape carried by KindError events, giving
// pkg/telemetry a stable structure to fingerprint on without caring
// about an individual module's data schema.
type ErrorPayload struct {
	Module  string `json:"module"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// StatePayload is the Data shape carried by KindScanState events.
type StatePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}
