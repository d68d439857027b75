package types

type AuditRequest struct {
	PolicyID      string            `json:"policy_id" yaml:"policy_id"`
	OperationHash string            `json:"operation_hash" yaml:"operation_hash"`
	Epoch         uint64            `json:"epoch" yaml:"epoch"`
	Merchant      string            `json:"merchant" yaml:"merchant"`
	Asset         string            `json:"asset" yaml:"asset"`
	Amount        string            `json:"amount" yaml:"amount"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type AuditPolicy struct {
	PolicyID      string `json:"policy_id" yaml:"policy_id"`
	PolicyVersion string `json:"policy_version" yaml:"policy_version"`
	DocumentHash  string `json:"document_hash" yaml:"document_hash"`
	BindingHash   string `json:"binding_hash,omitempty" yaml:"binding_hash,omitempty"`
}

type AuditAttestation struct {
	UID       string `json:"uid" yaml:"uid"`
	Schema    string `json:"schema" yaml:"schema"`
	Attester  string `json:"attester" yaml:"attester"`
	KeyID     string `json:"key_id" yaml:"key_id"`
	IssuedAt  uint64 `json:"issued_at" yaml:"issued_at"`
	ExpiresAt uint64 `json:"expires_at" yaml:"expires_at"`
}

// AuditRecord is the export format of one risk decision. RecordID is the
// sha256 digest of the canonical JSON of every other field.
type AuditRecord struct {
	Schema      string            `json:"schema" yaml:"schema"`
	RecordID    string            `json:"record_id" yaml:"record_id"`
	CreatedAt   string            `json:"created_at" yaml:"created_at"`
	Request     AuditRequest      `json:"request" yaml:"request"`
	Policy      AuditPolicy       `json:"policy" yaml:"policy"`
	Decision    RiskDecision      `json:"decision" yaml:"decision"`
	Validation  PolicyValidation  `json:"validation" yaml:"validation"`
	Attestation *AuditAttestation `json:"attestation,omitempty" yaml:"attestation,omitempty"`
	Payload     string            `json:"payload,omitempty" yaml:"payload,omitempty"`
}
