package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeSignature(t *testing.T) {
	sig := ComputeSignature("secret", []byte(`{"event":"v1.leads.stage_changed"}`))
	assert.True(t, len(sig) == len("sha256=")+64)
	assert.Contains(t, sig, "sha256=")

	// Deterministic for the same inputs.
	assert.Equal(t, sig, ComputeSignature("secret", []byte(`{"event":"v1.leads.stage_changed"}`)))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"lead_id":"42"}`)
	sig := ComputeSignature("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
	assert.True(t, VerifySignature("secret", body, sig[len("sha256="):]), "prefix should be optional")

	assert.False(t, VerifySignature("secret", body, ""))
	assert.False(t, VerifySignature("secret", body, "sha256=deadbeef"))
	assert.False(t, VerifySignature("wrong-secret", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`{"lead_id":"43"}`), sig))
}
