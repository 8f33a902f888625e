package wif

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Validator performs one validation check against a provisioned binding.
type Validator interface {
	// ID returns the unique identifier for this validator.
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Validate performs the check.
	Validate(ctx context.Context, ref BindingRef) ValidationCheck
}

// RunValidation executes validators and aggregates a report.
func RunValidation(ctx context.Context, ref BindingRef, validators []Validator) *ValidationReport {
	report := &ValidationReport{
		Ref:         ref,
		Checks:      make([]ValidationCheck, 0, len(validators)),
		ValidatedAt: time.Now(),
	}

	for _, v := range validators {
		check := v.Validate(ctx, ref)
		report.Checks = append(report.Checks, check)

		switch check.Status {
		case CheckStatusPassed:
			report.Summary.PassedChecks++
		case CheckStatusFailed:
			report.Summary.FailedChecks++
		case CheckStatusSkipped:
			report.Summary.SkippedChecks++
		}
		report.Summary.TotalChecks++
	}

	report.Summary.IsValid = report.IsValid()
	return report
}

// StandardValidators returns the full check set for a binding ref.
func StandardValidators(ref BindingRef, wi WorkloadIdentityClient, sa ServiceAccountClient) []Validator {
	var validators []Validator

	if issuer := ref.ResourceIDs["issuer"]; issuer != "" {
		validators = append(validators, &IssuerDiscoveryValidator{Issuer: issuer})
	}
	if pool := ref.ResourceIDs["pool"]; pool != "" && wi != nil {
		validators = append(validators, &PoolExistsValidator{Client: wi, PoolName: pool})
	}
	if provider := ref.ResourceIDs["provider"]; provider != "" && wi != nil {
		validators = append(validators, &ProviderExistsValidator{Client: wi, ProviderName: provider})
	}

	saEmail := ref.ResourceIDs["service_account_email"]
	projectID := ref.ResourceIDs["project_id"]
	if saEmail != "" && projectID != "" && sa != nil {
		resource := fmt.Sprintf("projects/%s/serviceAccounts/%s", projectID, saEmail)
		validators = append(validators, &ServiceAccountExistsValidator{Client: sa, Resource: resource})

		if member := ref.ResourceIDs["principal_set"]; member != "" {
			validators = append(validators, &BindingMemberValidator{
				Client:   sa,
				Resource: resource,
				Member:   member,
			})
		}
	}

	return validators
}

// IssuerDiscoveryValidator checks that the OIDC issuer publishes a valid
// discovery document.
type IssuerDiscoveryValidator struct {
	Issuer string
}

func (v *IssuerDiscoveryValidator) ID() string   { return "oidc_issuer_discovery" }
func (v *IssuerDiscoveryValidator) Name() string { return "OIDC Issuer Discovery" }

func (v *IssuerDiscoveryValidator) Validate(ctx context.Context, ref BindingRef) ValidationCheck {
	start := time.Now()
	check := ValidationCheck{
		ID:       v.ID(),
		Name:     v.Name(),
		Severity: SeverityError,
		Evidence: map[string]interface{}{"issuer": v.Issuer},
	}

	provider, err := oidc.NewProvider(ctx, v.Issuer)
	if err != nil {
		check.Status = CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Remediation = "Ensure the issuer serves /.well-known/openid-configuration and is reachable"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = CheckStatusPassed
	check.Evidence["authorization_endpoint"] = provider.Endpoint().AuthURL
	check.Duration = time.Since(start)
	return check
}

// PoolExistsValidator checks that the workload identity pool exists and is
// active.
type PoolExistsValidator struct {
	Client   WorkloadIdentityClient
	PoolName string
}

func (v *PoolExistsValidator) ID() string   { return "wif_pool_exists" }
func (v *PoolExistsValidator) Name() string { return "Workload Identity Pool Exists" }

func (v *PoolExistsValidator) Validate(ctx context.Context, ref BindingRef) ValidationCheck {
	start := time.Now()
	check := ValidationCheck{
		ID:       v.ID(),
		Name:     v.Name(),
		Severity: SeverityCritical,
		Evidence: map[string]interface{}{"pool": v.PoolName},
	}

	pool, err := v.Client.GetPool(ctx, v.PoolName)
	if err != nil {
		check.Status = CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Remediation = "Run ensure again to create the pool"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = CheckStatusPassed
	check.Evidence["state"] = pool.State
	check.Evidence["disabled"] = pool.Disabled
	check.Duration = time.Since(start)
	return check
}

// ProviderExistsValidator checks that the OIDC provider exists under the
// pool.
type ProviderExistsValidator struct {
	Client       WorkloadIdentityClient
	ProviderName string
}

func (v *ProviderExistsValidator) ID() string   { return "wif_provider_exists" }
func (v *ProviderExistsValidator) Name() string { return "Workload Identity Provider Exists" }

func (v *ProviderExistsValidator) Validate(ctx context.Context, ref BindingRef) ValidationCheck {
	start := time.Now()
	check := ValidationCheck{
		ID:       v.ID(),
		Name:     v.Name(),
		Severity: SeverityCritical,
		Evidence: map[string]interface{}{"provider": v.ProviderName},
	}

	provider, err := v.Client.GetProvider(ctx, v.ProviderName)
	if err != nil {
		check.Status = CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Remediation = "Run ensure again to create the provider"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = CheckStatusPassed
	check.Evidence["state"] = provider.State
	check.Evidence["issuer"] = provider.IssuerURI
	check.Duration = time.Since(start)
	return check
}

// ServiceAccountExistsValidator checks that the service account exists.
type ServiceAccountExistsValidator struct {
	Client   ServiceAccountClient
	Resource string
}

func (v *ServiceAccountExistsValidator) ID() string   { return "service_account_exists" }
func (v *ServiceAccountExistsValidator) Name() string { return "Service Account Exists" }

func (v *ServiceAccountExistsValidator) Validate(ctx context.Context, ref BindingRef) ValidationCheck {
	start := time.Now()
	check := ValidationCheck{
		ID:       v.ID(),
		Name:     v.Name(),
		Severity: SeverityCritical,
		Evidence: map[string]interface{}{"resource": v.Resource},
	}

	sa, err := v.Client.GetServiceAccount(ctx, v.Resource)
	if err != nil {
		check.Status = CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Remediation = "Create the service account, then run ensure again"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = CheckStatusPassed
	check.Evidence["unique_id"] = sa.UniqueID
	check.Duration = time.Since(start)
	return check
}

// BindingMemberValidator checks that the principal set holds the
// workloadIdentityUser role on the service account.
type BindingMemberValidator struct {
	Client   ServiceAccountClient
	Resource string
	Member   string
}

func (v *BindingMemberValidator) ID() string   { return "workload_identity_user_granted" }
func (v *BindingMemberValidator) Name() string { return "Workload Identity User Granted" }

func (v *BindingMemberValidator) Validate(ctx context.Context, ref BindingRef) ValidationCheck {
	start := time.Now()
	check := ValidationCheck{
		ID:       v.ID(),
		Name:     v.Name(),
		Severity: SeverityCritical,
		Evidence: map[string]interface{}{"member": v.Member, "role": WorkloadIdentityUserRole},
	}

	policy, err := v.Client.GetIamPolicy(ctx, v.Resource)
	if err != nil {
		check.Status = CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Remediation = "Check IAM permissions on the service account"
		check.Duration = time.Since(start)
		return check
	}

	if !hasPolicyMember(policy, WorkloadIdentityUserRole, v.Member) {
		check.Status = CheckStatusFailed
		check.Remediation = "Run ensure again to grant the role"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = CheckStatusPassed
	check.Duration = time.Since(start)
	return check
}
