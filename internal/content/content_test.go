package content_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    content.Options
		wantErr bool
	}{
		{name: "array", input: `["Paris", " Rome "]`, want: content.Options{"Paris", "Rome"}},
		{name: "comma separated", input: `"Paris, Rome ,Berlin"`, want: content.Options{"Paris", "Rome", "Berlin"}},
		{name: "empty string", input: `""`, want: content.Options{}},
		{name: "number", input: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got content.Options
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContent_DecodeLegacyDocument(t *testing.T) {
	doc := `{
		"_id": "content-42",
		"owner": "teacher-1",
		"name": "Capitals",
		"content": [
			{"question": "Capital of France?", "options": "Paris, Rome", "correctOptionIndex": 0},
			{"question": "Capital of Italy?", "options": ["Paris", "Rome"], "correctOptionIndex": 1}
		]
	}`

	var c content.Content
	require.NoError(t, json.Unmarshal([]byte(doc), &c))

	assert.Equal(t, "content-42", c.ID)
	assert.Equal(t, 2, c.MaxScore())
	assert.Equal(t, content.Options{"Paris", "Rome"}, c.Items[0].Options)
	assert.NoError(t, c.Validate())
}

func TestContent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		items   []content.Item
		wantErr string
	}{
		{
			name:  "no items",
			items: nil,
		},
		{
			name:    "missing prompt",
			items:   []content.Item{{Options: content.Options{"a", "b"}}},
			wantErr: "prompt is required",
		},
		{
			name:    "single option",
			items:   []content.Item{{Prompt: "q", Options: content.Options{"a"}}},
			wantErr: "at least two options",
		},
		{
			name:    "correct option out of range",
			items:   []content.Item{{Prompt: "q", Options: content.Options{"a", "b"}, CorrectOption: 2}},
			wantErr: "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := content.Content{Items: tt.items}
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRole_IsParticipantClass(t *testing.T) {
	assert.True(t, content.RoleStudent.IsParticipantClass())
	assert.False(t, content.RoleTeacher.IsParticipantClass())
	assert.False(t, content.Role("").IsParticipantClass())
}
