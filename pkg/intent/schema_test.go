package intent

import "testing"

func TestValidateAuthorityShadowAcceptsWellFormedValues(t *testing.T) {
	err := validateAuthorityShadow("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "PHASE_BUILD")
	if err != nil {
		t.Errorf("unexpected schema error: %v", err)
	}
}

func TestValidateAuthorityShadowRejectsMalformedPlanHash(t *testing.T) {
	err := validateAuthorityShadow("not-a-hash", "PHASE_BUILD")
	if err == nil {
		t.Error("expected a schema error for a malformed plan hash")
	}
}

func TestValidateAuthorityShadowRejectsMalformedPhaseID(t *testing.T) {
	err := validateAuthorityShadow("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "build")
	if err == nil {
		t.Error("expected a schema error for a malformed phase id")
	}
}
