package planlint

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// phaseShadowSchema is the JSON Schema for one phase's JSON shadow: the
// structural shape parsePhases already extracts, validated independently
// before the textual enforceability/auditability passes run (spec.md
// §4.F domain stack).
const phaseShadowSchema = `{
	"type": "object",
	"required": ["id", "objective", "allowed_operations", "required_intents", "verification_commands", "expected_outcomes", "failure_stops"],
	"properties": {
		"id": {"type": "string", "pattern": "^[A-Z0-9_]+$"},
		"objective": {"type": "string", "minLength": 1},
		"allowed_operations": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"required_intents": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"verification_commands": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"expected_outcomes": {"type": "array", "minItems": 1, "items": {"type": "string"}},
		"failure_stops": {"type": "array", "minItems": 1, "items": {"type": "string"}}
	}
}`

var (
	phaseSchemaOnce sync.Once
	phaseSchema     *jsonschema.Schema
	phaseSchemaErr  error
)

func compiledPhaseSchema() (*jsonschema.Schema, error) {
	phaseSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("phase-shadow.json", strings.NewReader(phaseShadowSchema)); err != nil {
			phaseSchemaErr = err
			return
		}
		phaseSchema, phaseSchemaErr = compiler.Compile("phase-shadow.json")
	})
	return phaseSchema, phaseSchemaErr
}

// phaseShadow is the JSON projection of a Phase validated against
// phaseShadowSchema.
type phaseShadow struct {
	ID                   string   `json:"id"`
	Objective            string   `json:"objective"`
	AllowedOperations    []string `json:"allowed_operations"`
	RequiredIntents      []string `json:"required_intents"`
	VerificationCommands []string `json:"verification_commands"`
	ExpectedOutcomes     []string `json:"expected_outcomes"`
	FailureStops         []string `json:"failure_stops"`
}

func toShadow(p Phase) phaseShadow {
	return phaseShadow{
		ID: p.ID, Objective: p.Objective, AllowedOperations: p.AllowedOps,
		RequiredIntents: p.RequiredIntents, VerificationCommands: p.VerificationCmds,
		ExpectedOutcomes: p.ExpectedOutcomes, FailureStops: p.FailureStops,
	}
}

// validateSchemaShadow schema-validates every parsed phase's JSON shadow
// before the textual validators run. A schema violation is recorded as
// ViolationSchemaViolation rather than the free-form field checks
// parsePhases already performs; both run independently.
func validateSchemaShadow(phases []Phase, v *Verdict) {
	schema, err := compiledPhaseSchema()
	if err != nil {
		return // schema compile failure is a build-time defect, not a plan defect
	}
	for _, p := range phases {
		raw, err := json.Marshal(toShadow(p))
		if err != nil {
			continue
		}
		var instance any
		if err := json.Unmarshal(raw, &instance); err != nil {
			continue
		}
		if err := schema.Validate(instance); err != nil {
			v.Violations = append(v.Violations, Violation{
				Code: ViolationSchemaViolation, Detail: "phase JSON shadow failed schema validation: " + err.Error(), PhaseID: p.ID,
			})
		}
	}
}
