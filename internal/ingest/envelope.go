// Package ingest turns inbound domain-event envelopes (HTTP or Kafka) into
// outbox events.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/util"
)

// Envelope is the wire shape producers send:
//
//	{"id":"…","model":"post","action":"update","before":{…},"after":{…},"actor":{…}}
//
// id is an optional ULID; when set, redelivery of the same envelope is a no-op.
// originChain and parentEventId let a producer that relays workflow output
// keep the loop guard intact. changedFields, when absent, is derived from
// before and after.
type Envelope struct {
	ID            string          `json:"id,omitempty"`
	Model         string          `json:"model"`
	Action        model.Action    `json:"action"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	ChangedFields []string        `json:"changedFields,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	OriginChain   []string        `json:"originChain,omitempty"`
	ParentEventID string          `json:"parentEventId,omitempty"`
	Actor         *model.Actor    `json:"actor,omitempty"`
}

// Decode parses and validates an envelope. Errors wrap model.ErrValidation.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: envelope: %v", model.ErrValidation, err)
	}
	return env, env.Validate()
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("%w: envelope model is required", model.ErrValidation)
	}
	switch e.Action {
	case model.ActionCreate, model.ActionUpdate, model.ActionDelete:
	default:
		return fmt.Errorf("%w: envelope action %q is not a domain action", model.ErrValidation, e.Action)
	}
	if e.ID != "" && !util.ValidID(e.ID) {
		return fmt.Errorf("%w: envelope id %q is not a ULID", model.ErrValidation, e.ID)
	}
	if e.ParentEventID != "" && !util.ValidID(e.ParentEventID) {
		return fmt.Errorf("%w: envelope parentEventId %q is not a ULID", model.ErrValidation, e.ParentEventID)
	}
	for _, name := range e.OriginChain {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: envelope originChain has an empty entry", model.ErrValidation)
		}
	}
	for _, f := range e.ChangedFields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: envelope changedFields has an empty entry", model.ErrValidation)
		}
	}
	if e.Actor != nil && e.Actor.IsSystem() {
		return fmt.Errorf("%w: inbound actors cannot claim system", model.ErrValidation)
	}
	return nil
}

// Event builds the outbox event; transport labels the origin when the
// envelope does not name one.
func (e Envelope) Event(transport string) (model.Event, error) {
	before, err := model.DecodeObject(e.Before)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: before: %v", model.ErrValidation, err)
	}
	after, err := model.DecodeObject(e.After)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: after: %v", model.ErrValidation, err)
	}
	origin := e.Origin
	if origin == "" {
		origin = transport
	}
	if origin == model.OriginScheduler {
		return model.Event{}, fmt.Errorf("%w: origin %q is reserved", model.ErrValidation, origin)
	}
	changed := e.ChangedFields
	if len(changed) == 0 {
		changed = model.ChangedFields(before, after)
	}
	return model.Event{
		ID:            e.ID,
		Model:         e.Model,
		Action:        e.Action,
		Before:        before,
		After:         after,
		ChangedFields: changed,
		Origin:        origin,
		OriginChain:   e.OriginChain,
		ParentEventID: e.ParentEventID,
		Actor:         e.Actor,
	}, nil
}
