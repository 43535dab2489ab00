package model

import (
	"bytes"
	"encoding/json"
)

const (
	ClaimSystem        = "system"
	ClaimImpersonating = "impersonating"
)

// Subject is an identity an actor acts on behalf of.
type Subject struct {
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
	ID    any    `json:"id"`
}

// Actor is the authorization identity steps execute under.
type Actor struct {
	ID            string         `json:"id,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
	Subjects      []Subject      `json:"subjects,omitempty"`
	Authenticated bool           `json:"authenticated"`
}

// Anonymous is used when an event carries no actor snapshot.
func Anonymous() Actor {
	return Actor{Roles: []string{"anonymous"}}
}

func (a Actor) IsSystem() bool {
	v, _ := a.Claims[ClaimSystem].(bool)
	return v
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Clone deep-copies roles, claims and subjects.
func (a Actor) Clone() Actor {
	out := Actor{ID: a.ID, Authenticated: a.Authenticated}
	if a.Roles != nil {
		out.Roles = append([]string(nil), a.Roles...)
	}
	if a.Subjects != nil {
		out.Subjects = append([]Subject(nil), a.Subjects...)
	}
	if a.Claims != nil {
		out.Claims = make(map[string]any, len(a.Claims))
		for k, v := range a.Claims {
			out.Claims[k] = v
		}
	}
	return out
}

func (a Actor) View() map[string]any {
	subjects := make([]any, 0, len(a.Subjects))
	for _, s := range a.Subjects {
		subjects = append(subjects, map[string]any{"role": s.Role, "model": s.Model, "id": s.ID})
	}
	roles := make([]any, 0, len(a.Roles))
	for _, r := range a.Roles {
		roles = append(roles, r)
	}
	return map[string]any{
		"id":            a.ID,
		"roles":         roles,
		"claims":        a.Claims,
		"subjects":      subjects,
		"authenticated": a.Authenticated,
	}
}

// DecodeActor unmarshals an actor snapshot with the same number handling as DecodeObject.
func DecodeActor(b []byte) (*Actor, error) {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var a Actor
	if err := dec.Decode(&a); err != nil {
		return nil, err
	}
	a.Claims = NormalizeMap(a.Claims)
	for i := range a.Subjects {
		a.Subjects[i].ID = Normalize(a.Subjects[i].ID)
	}
	return &a, nil
}
