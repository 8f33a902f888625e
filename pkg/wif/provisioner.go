package wif

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Pool represents a workload identity pool.
type Pool struct {
	Name        string
	DisplayName string
	Description string
	State       string
	Disabled    bool
}

// OIDCProvider represents an OIDC provider inside a workload identity pool.
type OIDCProvider struct {
	Name               string
	DisplayName        string
	Description        string
	State              string
	Disabled           bool
	IssuerURI          string
	AllowedAudiences   []string
	AttributeMapping   map[string]string
	AttributeCondition string
}

// ServiceAccount represents a service account.
type ServiceAccount struct {
	Name      string
	ProjectID string
	UniqueID  string
	Email     string
	Disabled  bool
}

// Policy represents an IAM policy on a service account.
type Policy struct {
	Bindings []*PolicyBinding
	Etag     string
	Version  int64
}

// PolicyBinding represents a role binding in an IAM policy.
type PolicyBinding struct {
	Role      string
	Members   []string
	Condition *PolicyCondition
}

// PolicyCondition represents a condition attached to a policy binding. It is
// carried through read-modify-write untouched.
type PolicyCondition struct {
	Title       string
	Description string
	Expression  string
}

// WorkloadIdentityClient abstracts the pool and provider operations of the
// cloud IAM API. Create calls must surface "already exists" as a conflict
// ProvisionError so Ensure can absorb it.
type WorkloadIdentityClient interface {
	GetPool(ctx context.Context, name string) (*Pool, error)
	CreatePool(ctx context.Context, parent, poolID string, pool *Pool) error
	DeletePool(ctx context.Context, name string) error

	GetProvider(ctx context.Context, name string) (*OIDCProvider, error)
	CreateProvider(ctx context.Context, parent, providerID string, provider *OIDCProvider) error
	DeleteProvider(ctx context.Context, name string) error
}

// ServiceAccountClient abstracts service account and IAM policy operations.
type ServiceAccountClient interface {
	GetServiceAccount(ctx context.Context, name string) (*ServiceAccount, error)
	GetIamPolicy(ctx context.Context, resource string) (*Policy, error)
	SetIamPolicy(ctx context.Context, resource string, policy *Policy) error
}

// Provisioner ensures federation bindings exist in the target cloud account.
// It is stateless per call: the binding is explicit input, no local state is
// written, and no secrets ever pass through it.
type Provisioner struct {
	wi  WorkloadIdentityClient
	sa  ServiceAccountClient
	log logr.Logger
}

// ProvisionerOption configures the Provisioner.
type ProvisionerOption func(*Provisioner)

// WithWorkloadIdentityClient sets the pool/provider client.
func WithWorkloadIdentityClient(client WorkloadIdentityClient) ProvisionerOption {
	return func(p *Provisioner) {
		p.wi = client
	}
}

// WithServiceAccountClient sets the service account client.
func WithServiceAccountClient(client ServiceAccountClient) ProvisionerOption {
	return func(p *Provisioner) {
		p.sa = client
	}
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(log logr.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		p.log = log
	}
}

// NewProvisioner creates a new Provisioner.
func NewProvisioner(opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{log: logr.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure makes the binding's resources exist, in three strictly ordered
// steps: pool, then OIDC provider under the pool, then the
// workloadIdentityUser grant on the service account.
//
// Each step attempts creation first and treats an "already exists" conflict
// as success; any other error aborts the remaining steps and is returned
// unchanged. There is no rollback: since every step is independently
// idempotent, the correct recovery for any abort is to re-run Ensure from the
// top.
func (p *Provisioner) Ensure(ctx context.Context, binding *FederationBinding, opts EnsureOptions) (*ProvisioningResult, error) {
	if err := binding.Validate(); err != nil {
		return nil, ErrValidation(err.Error())
	}

	result := &ProvisioningResult{
		ProviderResource:    binding.ProviderResource(),
		ServiceAccountEmail: binding.ServiceAccountEmail,
		ProjectID:           binding.ProjectID,
	}

	if opts.DryRun {
		plan, err := p.plan(ctx, binding)
		if err != nil {
			return nil, err
		}
		result.Plan = plan
		return result, nil
	}

	if p.wi == nil || p.sa == nil {
		return nil, ErrValidation("workload identity and service account clients must be configured").
			WithResource("binding", binding.PoolID)
	}

	result.Steps = make(map[StepName]ApplyOutcome, 3)

	outcome, err := p.ensurePool(ctx, binding)
	if err != nil {
		return nil, err
	}
	result.Steps[StepPool] = outcome
	p.log.Info("ensured workload identity pool", "pool", binding.PoolResource(), "outcome", outcome)

	outcome, err = p.ensureProvider(ctx, binding)
	if err != nil {
		return nil, err
	}
	result.Steps[StepProvider] = outcome
	p.log.Info("ensured oidc provider", "provider", binding.ProviderResource(), "outcome", outcome)

	outcome, err = p.ensureBinding(ctx, binding)
	if err != nil {
		return nil, err
	}
	result.Steps[StepBinding] = outcome
	p.log.Info("ensured service account binding", "member", binding.PrincipalSetMember(), "outcome", outcome)

	return result, nil
}

// ensurePool attempts pool creation and absorbs conflicts.
func (p *Provisioner) ensurePool(ctx context.Context, b *FederationBinding) (ApplyOutcome, error) {
	displayName := b.PoolDisplayName
	if displayName == "" {
		displayName = b.PoolID
	}

	err := p.wi.CreatePool(ctx, b.PoolParent(), b.PoolID, &Pool{
		DisplayName: displayName,
		Description: "Managed by wifctl",
	})
	if err != nil {
		if IsAlreadyExists(err) {
			return OutcomeAlreadyExisted, nil
		}
		return "", stepError(err, StepPool)
	}
	return OutcomeCreated, nil
}

// ensureProvider attempts provider creation under the pool and absorbs
// conflicts.
func (p *Provisioner) ensureProvider(ctx context.Context, b *FederationBinding) (ApplyOutcome, error) {
	err := p.wi.CreateProvider(ctx, b.PoolResource(), b.ProviderID, &OIDCProvider{
		DisplayName:        b.ProviderDisplayName,
		IssuerURI:          b.IssuerURI,
		AllowedAudiences:   b.AllowedAudiences,
		AttributeMapping:   b.AttributeMapping,
		AttributeCondition: b.AttributeCondition,
	})
	if err != nil {
		if IsAlreadyExists(err) {
			return OutcomeAlreadyExisted, nil
		}
		return "", stepError(err, StepProvider)
	}
	return OutcomeCreated, nil
}

// ensureBinding grants the workloadIdentityUser role to the principal set on
// the service account via read-modify-write. An unchanged policy means the
// grant already existed.
func (p *Provisioner) ensureBinding(ctx context.Context, b *FederationBinding) (ApplyOutcome, error) {
	resource := b.ServiceAccountResource()
	policy, err := p.sa.GetIamPolicy(ctx, resource)
	if err != nil {
		return "", stepError(err, StepBinding)
	}

	if !addPolicyMember(policy, WorkloadIdentityUserRole, b.PrincipalSetMember()) {
		return OutcomeAlreadyExisted, nil
	}

	if err := p.sa.SetIamPolicy(ctx, resource, policy); err != nil {
		return "", stepError(err, StepBinding)
	}
	return OutcomeCreated, nil
}

// plan probes existing state without mutating anything. Probing is skipped
// when no client is configured, in which case every step is planned.
func (p *Provisioner) plan(ctx context.Context, b *FederationBinding) (*Plan, error) {
	var plan Plan

	poolExists := false
	providerExists := false
	memberExists := false

	if p.wi != nil {
		if _, err := p.wi.GetPool(ctx, b.PoolResource()); err == nil {
			poolExists = true
		}
		if _, err := p.wi.GetProvider(ctx, b.ProviderResource()); err == nil {
			providerExists = true
		}
	}
	if p.sa != nil {
		if policy, err := p.sa.GetIamPolicy(ctx, b.ServiceAccountResource()); err == nil {
			memberExists = hasPolicyMember(policy, WorkloadIdentityUserRole, b.PrincipalSetMember())
		}
	}

	if !poolExists {
		plan.Actions = append(plan.Actions, PlannedAction{
			Operation:    "create",
			ResourceType: "workload-identity-pool",
			ResourceID:   b.PoolResource(),
		})
	}
	if !providerExists {
		plan.Actions = append(plan.Actions, PlannedAction{
			Operation:    "create",
			ResourceType: "workload-identity-provider",
			ResourceID:   b.ProviderResource(),
		})
	}
	if !memberExists {
		plan.Actions = append(plan.Actions, PlannedAction{
			Operation:    "update",
			ResourceType: "iam-binding",
			ResourceID:   b.ServiceAccountResource(),
		})
	}

	plan.Summary = fmt.Sprintf("Would apply %d of 3 provisioning steps", len(plan.Actions))
	return &plan, nil
}

// Teardown removes the binding's resources in reverse order: the policy
// grant, then the provider, then the pool. The pool is only deleted when the
// ref is owned (or Force is set). Missing resources are tolerated so that
// Teardown stays idempotent.
func (p *Provisioner) Teardown(ctx context.Context, ref BindingRef, opts TeardownOptions) error {
	if opts.DryRun {
		return nil
	}
	if p.wi == nil || p.sa == nil {
		return ErrValidation("workload identity and service account clients must be configured")
	}

	saEmail := ref.ResourceIDs["service_account_email"]
	projectID := ref.ResourceIDs["project_id"]
	member := ref.ResourceIDs["principal_set"]
	if saEmail != "" && projectID != "" && member != "" {
		resource := fmt.Sprintf("projects/%s/serviceAccounts/%s", projectID, saEmail)
		if err := p.revokeMember(ctx, resource, member); err != nil && !IsNotFound(err) {
			return err
		}
	}

	if provider := ref.ResourceIDs["provider"]; provider != "" {
		if err := p.wi.DeleteProvider(ctx, provider); err != nil && !IsNotFound(err) {
			return stepError(err, StepProvider)
		}
	}

	if pool := ref.ResourceIDs["pool"]; pool != "" && (ref.Owned || opts.Force) {
		if err := p.wi.DeletePool(ctx, pool); err != nil && !IsNotFound(err) {
			return stepError(err, StepPool)
		}
	}

	return nil
}

func (p *Provisioner) revokeMember(ctx context.Context, resource, member string) error {
	policy, err := p.sa.GetIamPolicy(ctx, resource)
	if err != nil {
		return stepError(err, StepBinding)
	}
	if !removePolicyMember(policy, WorkloadIdentityUserRole, member) {
		return nil
	}
	if err := p.sa.SetIamPolicy(ctx, resource, policy); err != nil {
		return stepError(err, StepBinding)
	}
	return nil
}

// stepError tags an error with the step it occurred in, preserving its
// category.
func stepError(err error, step StepName) error {
	if pe, ok := err.(*ProvisionError); ok {
		return pe.WithStep(step)
	}
	return ErrInternal("provisioning step failed").WithStep(step).WithCause(err)
}

// addPolicyMember adds member to the binding for role, creating the binding
// if needed. It reports whether the policy changed.
func addPolicyMember(policy *Policy, role, member string) bool {
	for _, binding := range policy.Bindings {
		if binding.Role != role {
			continue
		}
		for _, m := range binding.Members {
			if m == member {
				return false
			}
		}
		binding.Members = append(binding.Members, member)
		return true
	}
	policy.Bindings = append(policy.Bindings, &PolicyBinding{
		Role:    role,
		Members: []string{member},
	})
	return true
}

// removePolicyMember removes member from the binding for role, dropping the
// binding when it becomes empty. It reports whether the policy changed.
func removePolicyMember(policy *Policy, role, member string) bool {
	for i, binding := range policy.Bindings {
		if binding.Role != role {
			continue
		}
		for j, m := range binding.Members {
			if m != member {
				continue
			}
			binding.Members = append(binding.Members[:j], binding.Members[j+1:]...)
			if len(binding.Members) == 0 {
				policy.Bindings = append(policy.Bindings[:i], policy.Bindings[i+1:]...)
			}
			return true
		}
		return false
	}
	return false
}

// hasPolicyMember reports whether member is present in the binding for role.
func hasPolicyMember(policy *Policy, role, member string) bool {
	for _, binding := range policy.Bindings {
		if binding.Role != role {
			continue
		}
		for _, m := range binding.Members {
			if m == member {
				return true
			}
		}
	}
	return false
}

// NewBindingRef creates a stable reference for a provisioned binding.
func NewBindingRef(b *FederationBinding) BindingRef {
	return BindingRef{
		ID: fmt.Sprintf("wif-%s-%s", b.PoolID, uuid.New().String()[:8]),
		ResourceIDs: map[string]string{
			"pool":                  b.PoolResource(),
			"provider":              b.ProviderResource(),
			"service_account_email": b.ServiceAccountEmail,
			"project_id":            b.ProjectID,
			"project_number":        b.ProjectNumber,
			"issuer":                b.IssuerURI,
			"repository":            b.Repository,
			"principal_set":         b.PrincipalSetMember(),
		},
		CreatedAt: time.Now(),
		Owned:     true,
		Version:   StateVersion,
	}
}
