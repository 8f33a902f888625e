package wif

import (
	"encoding/json"
	"time"
)

// ApplyOutcome is the result of one idempotent provisioning step.
type ApplyOutcome string

const (
	// OutcomeCreated indicates the step created the resource.
	OutcomeCreated ApplyOutcome = "created"
	// OutcomeAlreadyExisted indicates the resource was already in place and
	// the step was a no-op.
	OutcomeAlreadyExisted ApplyOutcome = "already_existed"
)

// StepName identifies one of the ordered provisioning steps.
type StepName string

const (
	// StepPool ensures the workload identity pool exists.
	StepPool StepName = "pool"
	// StepProvider ensures the OIDC provider exists under the pool.
	StepProvider StepName = "provider"
	// StepBinding ensures the service account grants the federation role to
	// the principal set.
	StepBinding StepName = "binding"
)

// ProvisioningResult contains the stable identifiers a downstream CI system
// needs to reference the federation. The output contract is exactly the three
// string fields; Steps is informational.
type ProvisioningResult struct {
	// ProviderResource is the fully-qualified provider resource path:
	// projects/<number>/locations/global/workloadIdentityPools/<pool>/providers/<provider>
	ProviderResource string `json:"provider_resource"`

	// ServiceAccountEmail is the service account external identities
	// impersonate.
	ServiceAccountEmail string `json:"service_account_email"`

	// ProjectID is the project hosting the pool and service account.
	ProjectID string `json:"project_id"`

	// Steps records the per-step outcomes of the last Ensure call.
	Steps map[StepName]ApplyOutcome `json:"steps,omitempty"`

	// Plan is populated instead of Steps when Ensure runs in dry-run mode.
	Plan *Plan `json:"plan,omitempty"`
}

// Plan represents the set of actions a dry-run would perform.
type Plan struct {
	// Actions lists the planned operations in execution order.
	Actions []PlannedAction `json:"actions"`

	// Summary provides a human-readable summary.
	Summary string `json:"summary"`
}

// PlannedAction represents a single action that would be taken.
type PlannedAction struct {
	// Operation is the type of operation (create, update).
	Operation string `json:"operation"`

	// ResourceType is the type of resource affected.
	ResourceType string `json:"resource_type"`

	// ResourceID is the ID of the resource.
	ResourceID string `json:"resource_id,omitempty"`
}

// EnsureOptions configures an Ensure call.
type EnsureOptions struct {
	// DryRun if true, returns a Plan instead of making changes.
	DryRun bool
}

// TeardownOptions configures a Teardown call.
type TeardownOptions struct {
	// DryRun if true, makes no changes.
	DryRun bool

	// Force if true, deletes the pool even when the binding is not owned.
	Force bool
}

// BindingRef is a stable reference to a provisioned federation binding. It
// contains the identifiers needed to validate or tear the binding down.
type BindingRef struct {
	// ID is a unique identifier for this binding.
	ID string `json:"id"`

	// ResourceIDs contains cloud resource identifiers keyed by resource type
	// (e.g. "pool", "provider", "service_account_email").
	ResourceIDs map[string]string `json:"resource_ids"`

	// CreatedAt is when the binding was first provisioned.
	CreatedAt time.Time `json:"created_at"`

	// Owned indicates whether the pool was created by wifctl and can be
	// safely torn down.
	Owned bool `json:"owned"`

	// Version tracks schema version for migration purposes.
	Version int `json:"version"`
}

// String implements fmt.Stringer.
func (r BindingRef) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// ListFilter specifies criteria for listing binding references.
type ListFilter struct {
	// ProjectID filters by project.
	ProjectID string

	// Limit is the maximum number of results to return.
	Limit int

	// Offset is the starting index for pagination.
	Offset int
}

// Severity indicates the severity level of a validation check.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// CheckStatus indicates the result of a validation check.
type CheckStatus string

const (
	CheckStatusPassed  CheckStatus = "passed"
	CheckStatusFailed  CheckStatus = "failed"
	CheckStatusSkipped CheckStatus = "skipped"
)

// ValidationCheck represents a single validation check result.
type ValidationCheck struct {
	// ID is a unique identifier for this check type.
	ID string `json:"id"`

	// Name is a human-readable name for the check.
	Name string `json:"name"`

	// Status is the check result.
	Status CheckStatus `json:"status"`

	// Severity indicates how serious a failure would be.
	Severity Severity `json:"severity"`

	// Evidence contains data supporting the check result.
	Evidence map[string]interface{} `json:"evidence,omitempty"`

	// Remediation contains steps to fix a failed check.
	Remediation string `json:"remediation,omitempty"`

	// Duration is how long the check took to run.
	Duration time.Duration `json:"duration"`
}

// ValidationReport contains the results of validating a binding.
type ValidationReport struct {
	// Ref identifies the validated binding.
	Ref BindingRef `json:"ref"`

	// Checks contains all validation check results.
	Checks []ValidationCheck `json:"checks"`

	// Summary provides aggregate statistics.
	Summary ValidationSummary `json:"summary"`

	// ValidatedAt is when validation was performed.
	ValidatedAt time.Time `json:"validated_at"`
}

// ValidationSummary provides aggregate validation statistics.
type ValidationSummary struct {
	TotalChecks   int  `json:"total_checks"`
	PassedChecks  int  `json:"passed_checks"`
	FailedChecks  int  `json:"failed_checks"`
	SkippedChecks int  `json:"skipped_checks"`
	IsValid       bool `json:"is_valid"`
}

// IsValid returns true if no check of severity error or above failed.
func (r *ValidationReport) IsValid() bool {
	for _, check := range r.Checks {
		if check.Status == CheckStatusFailed && check.Severity != SeverityInfo && check.Severity != SeverityWarning {
			return false
		}
	}
	return true
}

// FailedChecks returns only the checks that failed.
func (r *ValidationReport) FailedChecks() []ValidationCheck {
	var failed []ValidationCheck
	for _, check := range r.Checks {
		if check.Status == CheckStatusFailed {
			failed = append(failed, check)
		}
	}
	return failed
}
