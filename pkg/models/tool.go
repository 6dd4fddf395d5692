package models

import (
	"encoding/json"
	"time"
)

// ToolProvider identifies who serves a tool and where its signing key
// can be discovered.
type ToolProvider struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	PublicKeyURL string `json:"public_key_url"`
	Version      string `json:"version,omitempty"`
}

// VerificationState is the terminal judgement on a tool's schema
// signature. A tool served to the enforcer must not be pending.
type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
	VerificationFailed   VerificationState = "failed"
	VerificationSkipped  VerificationState = "skipped"
)

// VerificationStatus carries the state plus when/why it was reached.
type VerificationStatus struct {
	State      VerificationState `json:"state"`
	Reason     string            `json:"reason,omitempty"`
	VerifiedAt *time.Time        `json:"verified_at,omitempty"`
	FailedAt   *time.Time        `json:"failed_at,omitempty"`
}

// Verified builds a Verified status stamped now.
func Verified() VerificationStatus {
	now := time.Now().UTC()
	return VerificationStatus{State: VerificationVerified, VerifiedAt: &now}
}

// VerificationFailure builds a Failed status stamped now.
func VerificationFailure(reason string) VerificationStatus {
	now := time.Now().UTC()
	return VerificationStatus{State: VerificationFailed, Reason: reason, FailedAt: &now}
}

// SkippedVerification builds a Skipped status.
func SkippedVerification(reason string) VerificationStatus {
	return VerificationStatus{State: VerificationSkipped, Reason: reason}
}

// McpTool describes a tool as presented to the invocation enforcer.
type McpTool struct {
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Schema          json.RawMessage    `json:"schema"`
	Provider        ToolProvider       `json:"provider"`
	Verification    VerificationStatus `json:"verification_status"`
	SensitiveParams []string           `json:"sensitive_params,omitempty"`
}
