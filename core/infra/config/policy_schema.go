package config

import (
	_ "embed"
	"fmt"

	"github.com/pingup/pingup/core/infra/schema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/workflow_policy.schema.json
var policySchema []byte

// validatePolicyDocument checks the raw YAML against the policy schema before
// it is decoded, so unknown keys and wrong types are reported by path.
func validatePolicyDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse workflow policy: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := schema.ValidateSchema("workflow-policy", policySchema, doc); err != nil {
		return fmt.Errorf("validate workflow policy: %w", err)
	}
	return nil
}
