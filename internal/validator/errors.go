package validator

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyViolation        = errors.New("policy violation")
	ErrInvalidAttestation     = errors.New("invalid attestation")
	ErrExpiredAttestation     = errors.New("expired attestation")
	ErrAttesterNotWhitelisted = errors.New("attester not whitelisted")
	ErrPolicyMismatch         = errors.New("policy hash mismatch")
	ErrNullifierReused        = errors.New("nullifier reused")
	ErrCapExceeded            = errors.New("epoch cap exceeded")
	ErrMalformedPayload       = errors.New("malformed payload")
)

type Reason string

const (
	ReasonPolicyViolation        Reason = "PolicyViolation"
	ReasonInvalidAttestation     Reason = "InvalidAttestation"
	ReasonExpiredAttestation     Reason = "ExpiredAttestation"
	ReasonAttesterNotWhitelisted Reason = "AttesterNotWhitelisted"
	ReasonPolicyMismatch         Reason = "PolicyMismatch"
	ReasonNullifierReused        Reason = "NullifierReused"
	ReasonCapExceeded            Reason = "CapExceeded"
	ReasonMalformedPayload       Reason = "MalformedPayload"
)

// Class tells the caller what kind of problem a rejection is.
type Class string

const (
	ClassFixRequest      Class = "fix_request"
	ClassNotApprovable   Class = "not_approvable"
	ClassSuspectedAttack Class = "suspected_attack"
)

var reasonErrors = map[Reason]error{
	ReasonPolicyViolation:        ErrPolicyViolation,
	ReasonInvalidAttestation:     ErrInvalidAttestation,
	ReasonExpiredAttestation:     ErrExpiredAttestation,
	ReasonAttesterNotWhitelisted: ErrAttesterNotWhitelisted,
	ReasonPolicyMismatch:         ErrPolicyMismatch,
	ReasonNullifierReused:        ErrNullifierReused,
	ReasonCapExceeded:            ErrCapExceeded,
	ReasonMalformedPayload:       ErrMalformedPayload,
}

var reasonClasses = map[Reason]Class{
	ReasonPolicyViolation:        ClassNotApprovable,
	ReasonInvalidAttestation:     ClassNotApprovable,
	ReasonExpiredAttestation:     ClassFixRequest,
	ReasonAttesterNotWhitelisted: ClassNotApprovable,
	ReasonPolicyMismatch:         ClassSuspectedAttack,
	ReasonNullifierReused:        ClassSuspectedAttack,
	ReasonCapExceeded:            ClassNotApprovable,
	ReasonMalformedPayload:       ClassFixRequest,
}

func (r Reason) Class() Class {
	return reasonClasses[r]
}

// Retryable reports whether the same operation may succeed later without
// changes. Only a cap breach clears, once the epoch rolls over.
func (r Reason) Retryable() bool {
	return r == ReasonCapExceeded
}

// Rejection is returned for every authorization the validator refuses.
type Rejection struct {
	Reason Reason
	State  State
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("rejected at %s: %s", r.State, reasonErrors[r.Reason])
	}
	return fmt.Sprintf("rejected at %s: %s: %s", r.State, reasonErrors[r.Reason], r.Detail)
}

func (r *Rejection) Unwrap() error {
	return reasonErrors[r.Reason]
}

func (r *Rejection) Class() Class {
	return r.Reason.Class()
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
