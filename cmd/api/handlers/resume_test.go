package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lyzr/gridflow/common/template"
)

func TestResumeOutputExposesWebhookPayload(t *testing.T) {
	out := resumeOutput(map[string]any{"approved": true})
	assert.Equal(t, true, out["resumed"])
	assert.Equal(t, map[string]any{"approved": true}, out["webhook_payload"])

	// Downstream nodes reference the callback body through templates
	scope := &template.Scope{Outputs: map[string]any{"wait": out}}
	assert.Equal(t, true, template.ResolveValue("{{wait.webhook_payload.approved}}", scope))
	assert.Equal(t, "true", template.ResolveString("{{wait.webhook_payload.approved}}", scope))
}

func TestResumeOutputEmptyBody(t *testing.T) {
	assert.Equal(t, map[string]any{"resumed": true}, resumeOutput(nil))
	assert.Equal(t, map[string]any{"resumed": true}, resumeOutput(map[string]any{}))
}
