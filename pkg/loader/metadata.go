// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgerflow/migrate/internal/jsonschema"
)

const stepMetadataSuffix = ".step.json"

// stepMetadata is the decoded, schema-validated form of a "*.step.json"
// sidecar. nil fields mean "not specified, defer to the registered
// step.Collector's build function".
type stepMetadata struct {
	Depends       []string `json:"depends,omitempty"`
	Transactional *bool    `json:"transactional,omitempty"`
	Doc           string   `json:"doc,omitempty"`
}

// loadStepMetadata looks for f's "*.step.json" sidecar among all. It
// returns nil, nil if none exists.
func loadStepMetadata(f resolvedFile, all []resolvedFile) (*stepMetadata, error) {
	stem := strings.TrimSuffix(f.name, scriptedExt)
	sidecarName := stem + stepMetadataSuffix

	for _, other := range all {
		if other.name != sidecarName || other.sourceGroup != f.sourceGroup {
			continue
		}
		content, err := other.read()
		if err != nil {
			return nil, err
		}

		var raw any
		if err := json.Unmarshal([]byte(content), &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", other.path, err)
		}
		if err := jsonschema.Validate(raw); err != nil {
			return nil, fmt.Errorf("validating %s: %w", other.path, err)
		}

		var meta stepMetadata
		if err := json.Unmarshal([]byte(content), &meta); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", other.path, err)
		}
		return &meta, nil
	}
	return nil, nil
}
