// SPDX-License-Identifier: Apache-2.0

package jsonschema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/migrate/internal/jsonschema"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestValidate_Valid(t *testing.T) {
	cases := []string{
		`{}`,
		`{"depends": ["001-create-users"]}`,
		`{"transactional": false}`,
		`{"depends": ["a", "b"], "transactional": true, "doc": "adds a column"}`,
	}
	for _, c := range cases {
		assert.NoError(t, jsonschema.Validate(decode(t, c)), c)
	}
}

func TestValidate_Invalid(t *testing.T) {
	cases := []string{
		`{"depends": "not-an-array"}`,
		`{"transactional": "yes"}`,
		`{"unknown_field": true}`,
	}
	for _, c := range cases {
		assert.Error(t, jsonschema.Validate(decode(t, c)), c)
	}
}
