package model

import "github.com/google/uuid"

// HostKeyMode is the SSH host-key verification mode for a Host.
type HostKeyMode string

const (
	HostKeyStrict   HostKeyMode = "strict"
	HostKeyAccept   HostKeyMode = "accept"
	HostKeyDisabled HostKeyMode = "disabled"
)

// HostStatus gates eligibility as a dispatch target.
type HostStatus string

const (
	HostActive   HostStatus = "active"
	HostInactive HostStatus = "inactive"
)

// Credentials carries either a password or a private key (+ optional
// passphrase) for a Host; exactly one of the two should be set.
type Credentials struct {
	Password   string
	PrivateKey string
	Passphrase string
}

// Host is consumed, not owned, by the job execution core — it is resolved
// once at submission time from an external asset store.
type Host struct {
	ID          uuid.UUID
	Address     string
	Port        int
	Environment string
	GroupID     uuid.UUID
	GroupCritical bool
	Credentials *Credentials
	KeyMode     HostKeyMode
	KnownHosts  map[string]string
	Status      HostStatus
}
