package fallback

import (
	"fmt"
	"time"
)

// State is a position in the structured-access lifecycle of one task.
type State string

const (
	Unattempted         State = "unattempted"
	Discovering         State = "discovering"
	NoManifest          State = "no_manifest"
	ManifestFound       State = "manifest_found"
	CredentialReused    State = "credential_reused"
	Registering         State = "registering"
	Registered          State = "registered"
	Declined            State = "declined"
	RegistrationFailed  State = "registration_failed"
	DomFallback         State = "dom_fallback"
	StructuredAPIActive State = "structured_api_active"
)

// transitions lists the legal successors of each state. StructuredAPIActive
// may go back to Registering once, when the credential is rejected mid-task.
var transitions = map[State][]State{
	Unattempted:         {Discovering},
	Discovering:         {NoManifest, ManifestFound},
	ManifestFound:       {CredentialReused, Registering},
	Registering:         {Registered, Declined, RegistrationFailed},
	NoManifest:          {DomFallback},
	Declined:            {DomFallback},
	RegistrationFailed:  {DomFallback},
	CredentialReused:    {StructuredAPIActive},
	Registered:          {StructuredAPIActive},
	StructuredAPIActive: {Registering, DomFallback},
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s == DomFallback || s == StructuredAPIActive
}

// CanTransition reports whether to is a legal successor of s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (t Transition) String() string {
	if t.Reason == "" {
		return fmt.Sprintf("%s -> %s", t.From, t.To)
	}
	return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Reason)
}
