package policy

import (
	"time"

	"github.com/homedeploy/homedeploy/pkg/config"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is reported but does not block the deployment.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deployment.
	SeverityError Severity = "error"
)

// Blocks reports whether violations of s abort a deployment.
func (s Severity) Blocks() bool {
	return s != SeverityWarning
}

// Policy is a named Rego module. Its deny set produces violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module source.
	Rego string `json:"rego"`

	// Severity applies to deny entries that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies evaluated, sorted.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	App       string `json:"app"`
	Env       string `json:"env"`
	Source    string `json:"source"`
	TargetDir string `json:"target_dir"`

	// BackupRoot is the record's backup path, expanded and cleaned.
	BackupRoot string `json:"backup_root"`

	Record *config.DeploymentRecord `json:"record"`
}
