package intent

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// authorityShadowSchema is the JSON Schema for the Authority block's
// extracted shape, validated independently before the plan-hash/phase-id
// drift checks run (spec.md §4.H domain stack).
const authorityShadowSchema = `{
	"type": "object",
	"required": ["plan_hash", "phase_id"],
	"properties": {
		"plan_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"phase_id": {"type": "string", "pattern": "^PHASE_[A-Z0-9_]+$"}
	}
}`

var (
	authoritySchemaOnce sync.Once
	authoritySchema     *jsonschema.Schema
	authoritySchemaErr  error
)

func compiledAuthoritySchema() (*jsonschema.Schema, error) {
	authoritySchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("authority-shadow.json", strings.NewReader(authorityShadowSchema)); err != nil {
			authoritySchemaErr = err
			return
		}
		authoritySchema, authoritySchemaErr = compiler.Compile("authority-shadow.json")
	})
	return authoritySchema, authoritySchemaErr
}

type authorityShadow struct {
	PlanHash string `json:"plan_hash"`
	PhaseID  string `json:"phase_id"`
}

// validateAuthorityShadow schema-validates the extracted plan hash and
// phase id shape before the caller compares them against the executing
// plan/phase. A schema failure is reported the same way a missing
// Authority field is: as a validation-result violation, not a separate
// error path.
func validateAuthorityShadow(planHash, phaseID string) error {
	schema, err := compiledAuthoritySchema()
	if err != nil {
		return nil // schema compile failure is a build-time defect, not an artifact defect
	}
	raw, err := json.Marshal(authorityShadow{PlanHash: planHash, PhaseID: phaseID})
	if err != nil {
		return nil
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil
	}
	return schema.Validate(instance)
}
