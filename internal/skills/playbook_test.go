package skills

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func socialPostPlaybook() *Playbook {
	return &Playbook{
		PlaybookID: "pb-test-social",
		Version:    "1.0.0",
		Family:     "content",
		SkillKey:   "social_post",
		InputsSchema: json.RawMessage(`{
			"type": "object",
			"required": ["topic"],
			"properties": {
				"topic":    {"type": "string", "minLength": 1},
				"audience": {"type": "string"}
			}
		}`),
		Steps: []Step{
			{Name: "headline", Op: "template", Args: map[string]interface{}{
				"field": "headline", "template": "{{topic}}"}},
			{Name: "body", Op: "template", Args: map[string]interface{}{
				"field": "message", "template": "{{topic}} for {{audience}}"}},
			{Name: "tags", Op: "copy", Args: map[string]interface{}{
				"from": "tags", "to": "tags"}},
		},
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["message"],
			"properties": {"message": {"type": "string", "minLength": 1}}
		}`),
		QARubric: json.RawMessage(`{"tone": "professional"}`),
	}
}

func TestPlaybook_CertifyAndValidate(t *testing.T) {
	pb := socialPostPlaybook()
	require.NoError(t, pb.Certify())

	assert.NoError(t, pb.ValidateInput(map[string]interface{}{"topic": "launch"}))
	assert.Error(t, pb.ValidateInput(map[string]interface{}{"audience": "everyone"}),
		"topic is required")
	assert.Error(t, pb.ValidateInput(map[string]interface{}{"topic": 42}))

	assert.NoError(t, pb.ValidateOutput(map[string]interface{}{"message": "hello"}))
	assert.Error(t, pb.ValidateOutput(map[string]interface{}{"message": ""}))
}

func TestPlaybook_CertifyRejects(t *testing.T) {
	t.Run("missing rubric", func(t *testing.T) {
		pb := socialPostPlaybook()
		pb.QARubric = nil
		assert.Error(t, pb.Certify())
	})
	t.Run("null rubric", func(t *testing.T) {
		pb := socialPostPlaybook()
		pb.QARubric = json.RawMessage(`null`)
		assert.Error(t, pb.Certify())
	})
	t.Run("bad version", func(t *testing.T) {
		pb := socialPostPlaybook()
		pb.Version = "one"
		assert.Error(t, pb.Certify())
	})
	t.Run("broken input schema", func(t *testing.T) {
		pb := socialPostPlaybook()
		pb.InputsSchema = json.RawMessage(`{"type": "nope"}`)
		assert.Error(t, pb.Certify())
	})
	t.Run("missing identity", func(t *testing.T) {
		pb := socialPostPlaybook()
		pb.SkillKey = ""
		assert.Error(t, pb.Certify())
	})
}

func TestPlaybook_ValidateBeforeCertifyFails(t *testing.T) {
	pb := socialPostPlaybook()
	assert.Error(t, pb.ValidateInput(map[string]interface{}{"topic": "x"}))
}

func TestRegistry_LoadAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Load(socialPostPlaybook()))

	pb, ok := r.Get("content", "social_post")
	require.True(t, ok)
	assert.Equal(t, "pb-test-social", pb.PlaybookID)

	_, ok = r.Get("content", "missing")
	assert.False(t, ok)
}

func TestRegistry_ReloadIsAtomic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Load(socialPostPlaybook()))

	broken := socialPostPlaybook()
	broken.QARubric = nil
	err := r.Reload([]*Playbook{socialPostPlaybook(), broken})
	require.Error(t, err)

	_, ok := r.Get("content", "social_post")
	assert.True(t, ok, "a failed reload keeps the previous set")
}
