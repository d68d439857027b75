package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/policy"
	"github.com/davidahmann/sponsorgate/pkg/types"
)

const RecordSchema = "sponsorgate.audit.v1"

var ErrMissingFields = errors.New("missing required audit fields")

type BuildInput struct {
	CreatedAt     time.Time
	Policy        policy.Policy
	PolicyDocHash string
	OperationHash common.Hash
	Epoch         uint64
	Request       types.PaymentRequest
	Decision      types.RiskDecision
	Validation    policy.Compliance

	// Set only for approved decisions.
	Attestation *types.Attestation
	PolicyHash  *common.Hash
	Payload     []byte
}

// Build assembles the export record for one decision and derives its id
// from the canonical body.
func Build(in BuildInput) (types.AuditRecord, error) {
	if in.Policy.PolicyID == "" || in.PolicyDocHash == "" || in.Request.Amount == nil {
		return types.AuditRecord{}, ErrMissingFields
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	rec := types.AuditRecord{
		Schema:    RecordSchema,
		CreatedAt: createdAt.UTC().Format(time.RFC3339),
		Request: types.AuditRequest{
			PolicyID:      in.Policy.PolicyID,
			OperationHash: in.OperationHash.Hex(),
			Epoch:         in.Epoch,
			Merchant:      strings.ToLower(in.Request.Merchant),
			Asset:         strings.ToLower(in.Request.Asset),
			Amount:        in.Request.Amount.String(),
			Description:   in.Request.Description,
			Metadata:      in.Request.Metadata,
		},
		Policy: types.AuditPolicy{
			PolicyID:      in.Policy.PolicyID,
			PolicyVersion: in.Policy.PolicyVersion,
			DocumentHash:  in.PolicyDocHash,
		},
		Decision:   in.Decision,
		Validation: in.Validation.Export(),
	}
	if in.PolicyHash != nil {
		rec.Policy.BindingHash = in.PolicyHash.Hex()
	}
	if in.Attestation != nil {
		rec.Attestation = &types.AuditAttestation{
			UID:       in.Attestation.UID.Hex(),
			Schema:    in.Attestation.Schema.Hex(),
			Attester:  strings.ToLower(in.Attestation.Attester.Hex()),
			KeyID:     in.Attestation.KeyID,
			IssuedAt:  in.Attestation.Time,
			ExpiresAt: in.Attestation.ExpirationTime,
		}
	}
	if len(in.Payload) > 0 {
		rec.Payload = hexutil.Encode(in.Payload)
	}

	body, err := CanonicalBody(rec)
	if err != nil {
		return types.AuditRecord{}, err
	}
	rec.RecordID = crypto.DigestOf(body).String()
	return rec, nil
}

// sealedRecord is the JSON shape of a record body. Confidence is carried as
// a fixed-precision string since canonical JSON refuses floats.
type sealedRecord struct {
	types.AuditRecord
	Decision sealedDecision `json:"decision"`
}

type sealedDecision struct {
	types.RiskDecision
	Confidence string `json:"confidence"`
}

// CanonicalBody is the canonical JSON of every field except the record id.
func CanonicalBody(rec types.AuditRecord) ([]byte, error) {
	raw, err := json.Marshal(sealedRecord{
		AuditRecord: rec,
		Decision: sealedDecision{
			RiskDecision: rec.Decision,
			Confidence:   strconv.FormatFloat(rec.Decision.Confidence, 'f', 2, 64),
		},
	})
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	delete(body, "record_id")
	return crypto.Canonicalize(body)
}

// Decode parses a canonical body back into a record.
func Decode(recordID string, body []byte) (types.AuditRecord, error) {
	var s sealedRecord
	if err := json.Unmarshal(body, &s); err != nil {
		return types.AuditRecord{}, fmt.Errorf("decode audit body: %w", err)
	}
	confidence, err := strconv.ParseFloat(s.Decision.Confidence, 64)
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("decode audit confidence: %w", err)
	}
	rec := s.AuditRecord
	rec.RecordID = recordID
	rec.Decision = s.Decision.RiskDecision
	rec.Decision.Confidence = confidence
	return rec, nil
}
