// Package models defines server-side data models persisted in the database.
package models

import "time"

// PilotStatus is the lifecycle state of a pilot agent.
type PilotStatus string

// PilotStatusSubmitted is the status of a freshly registered pilot.
const PilotStatusSubmitted PilotStatus = "Submitted"

// PilotIdentity is a row of pilot_agents.
type PilotIdentity struct {
	PilotID           int64
	PilotJobReference string
	VO                string
	GridType          string
	PilotStamp        string
	Status            PilotStatus
	SubmissionTime    time.Time
	LastUpdateTime    time.Time
}

// PilotCredential is a row of pilot_registrations. Only the hash of the
// secret is ever stored.
type PilotCredential struct {
	PilotID                   int64
	PilotHashedSecret         string
	PilotSecretUseCount       int64
	PilotSecretCreationDate   time.Time
	PilotSecretExpirationDate *time.Time
}

// PilotLookup partitions a set of references into those stored and those
// absent.
type PilotLookup struct {
	// Found is ordered by PilotID.
	Found []PilotIdentity
	// Missing is sorted and de-duplicated.
	Missing []string
}

// References returns the references of the found pilots.
func (l *PilotLookup) References() []string {
	refs := make([]string, 0, len(l.Found))
	for _, p := range l.Found {
		refs = append(refs, p.PilotJobReference)
	}
	return refs
}
