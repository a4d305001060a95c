package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedSchemas(t *testing.T) {
	for _, name := range []string{QuestionAnswer, Summary} {
		t.Run(name, func(t *testing.T) {
			s, err := Load(name)
			require.NoError(t, err)
			assert.Contains(t, s, `"required"`)
		})
	}
}

func TestLoad_Unknown(t *testing.T) {
	_, err := Load("nope")
	var loadErr *SchemaLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "nope")
}

func TestCheck_QuestionAnswer(t *testing.T) {
	schema := MustLoad(QuestionAnswer)

	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"full answer", `{"verdict":"good","score":72,"summary":"Wide moat","tags":["moat"]}`, true},
		{"null score", `{"verdict":"neutral","score":null,"summary":"Mixed"}`, true},
		{"missing verdict", `{"summary":"x"}`, false},
		{"score as string", `{"verdict":"good","score":"high","summary":"x"}`, false},
		{"tags not strings", `{"verdict":"good","summary":"x","tags":[1,2]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Check(schema, tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			if !tt.valid {
				assert.NotEmpty(t, res.Errors)
				assert.NotEmpty(t, res.Messages())
				assert.Error(t, res.Err())
			}
		})
	}
}

func TestCheck_Summary(t *testing.T) {
	schema := MustLoad(Summary)

	res, err := Check(schema, `{"verdict":"good","conviction":"high","thesis":"Compounder","summary":"s","risks":["fx"]}`)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = Check(schema, `{"verdict":"good","summary":"s"}`)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "(root)", res.Errors[0].Field)
}

func TestCheck_MalformedDocument(t *testing.T) {
	_, err := Check(MustLoad(QuestionAnswer), `{not json`)
	var loadErr *SchemaLoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestValidateJSONString(t *testing.T) {
	schema := `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`

	assert.NoError(t, ValidateJSONString(schema, `{"name":"x"}`))

	err := ValidateJSONString(schema, `{}`)
	require.Error(t, err)
	validationErr, ok := err.(*ValidationError)
	require.True(t, ok, "error should be ValidationError type")
	assert.Len(t, validationErr.Errors, 1)
	assert.Contains(t, err.Error(), "validation failed")
}
