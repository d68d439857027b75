package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/davidahmann/sponsorgate/internal/ledger"
	"github.com/davidahmann/sponsorgate/internal/validator"
)

const EventAuthorizationAdmitted = "authorization.admitted"

// AdmissionEvent announces a committed authorization to downstream
// consumers such as the executing ledger's indexer.
type AdmissionEvent struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	PolicyID       string `json:"policy_id"`
	Epoch          uint64 `json:"epoch"`
	OperationHash  string `json:"operation_hash"`
	Nullifier      string `json:"nullifier"`
	AttestationUID string `json:"attestation_uid"`
	Attester       string `json:"attester"`
	Amount         string `json:"amount"`
	Spent          string `json:"spent"`
	CapRemaining   string `json:"cap_remaining"`
	AdmittedAt     string `json:"admitted_at"`
}

// NewAdmissionRecord builds a pending outbox record for adm keyed by policy
// so events of one policy stay ordered on a partition.
func NewAdmissionRecord(adm validator.Admission, opHash common.Hash, topic string, now time.Time) (ledger.OutboxRecord, error) {
	stamp := now.UTC().Format(time.RFC3339)
	ev := AdmissionEvent{
		EventID:        uuid.NewString(),
		Type:           EventAuthorizationAdmitted,
		PolicyID:       adm.PolicyID,
		Epoch:          adm.Epoch,
		OperationHash:  opHash.Hex(),
		Nullifier:      adm.Nullifier.Hex(),
		AttestationUID: adm.AttestationUID.Hex(),
		Attester:       strings.ToLower(adm.Attester.Hex()),
		Amount:         adm.Amount.String(),
		Spent:          adm.Spent.String(),
		CapRemaining:   adm.CapRemaining.String(),
		AdmittedAt:     stamp,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return ledger.OutboxRecord{}, err
	}
	return ledger.OutboxRecord{
		EventID:       ev.EventID,
		Topic:         topic,
		Key:           adm.PolicyID,
		PayloadJSON:   body,
		Status:        StatusPending,
		NextAttemptAt: stamp,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}, nil
}
