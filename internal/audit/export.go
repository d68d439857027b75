package audit

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/sponsorgate/pkg/types"
)

func MarshalJSON(rec types.AuditRecord) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}

func MarshalYAML(rec types.AuditRecord) ([]byte, error) {
	return yaml.Marshal(rec)
}
