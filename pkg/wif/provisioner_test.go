package wif

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorkloadIdentityClient is an in-memory WorkloadIdentityClient. Create
// calls fail with a conflict on duplicates, matching the cloud API contract.
type fakeWorkloadIdentityClient struct {
	pools     map[string]*Pool
	providers map[string]*OIDCProvider

	createPoolErr     error
	createProviderErr error

	calls []string
}

func newFakeWorkloadIdentityClient() *fakeWorkloadIdentityClient {
	return &fakeWorkloadIdentityClient{
		pools:     make(map[string]*Pool),
		providers: make(map[string]*OIDCProvider),
	}
}

func (f *fakeWorkloadIdentityClient) GetPool(ctx context.Context, name string) (*Pool, error) {
	f.calls = append(f.calls, "GetPool")
	pool, ok := f.pools[name]
	if !ok {
		return nil, ErrNotFound("workload identity pool", name)
	}
	return pool, nil
}

func (f *fakeWorkloadIdentityClient) CreatePool(ctx context.Context, parent, poolID string, pool *Pool) error {
	f.calls = append(f.calls, "CreatePool")
	if f.createPoolErr != nil {
		return f.createPoolErr
	}
	name := parent + "/workloadIdentityPools/" + poolID
	if _, exists := f.pools[name]; exists {
		return ErrConflict("workload identity pool", poolID)
	}
	f.pools[name] = pool
	return nil
}

func (f *fakeWorkloadIdentityClient) DeletePool(ctx context.Context, name string) error {
	f.calls = append(f.calls, "DeletePool")
	if _, exists := f.pools[name]; !exists {
		return ErrNotFound("workload identity pool", name)
	}
	delete(f.pools, name)
	return nil
}

func (f *fakeWorkloadIdentityClient) GetProvider(ctx context.Context, name string) (*OIDCProvider, error) {
	f.calls = append(f.calls, "GetProvider")
	provider, ok := f.providers[name]
	if !ok {
		return nil, ErrNotFound("workload identity provider", name)
	}
	return provider, nil
}

func (f *fakeWorkloadIdentityClient) CreateProvider(ctx context.Context, parent, providerID string, provider *OIDCProvider) error {
	f.calls = append(f.calls, "CreateProvider")
	if f.createProviderErr != nil {
		return f.createProviderErr
	}
	name := parent + "/providers/" + providerID
	if _, exists := f.providers[name]; exists {
		return ErrConflict("workload identity provider", providerID)
	}
	f.providers[name] = provider
	return nil
}

func (f *fakeWorkloadIdentityClient) DeleteProvider(ctx context.Context, name string) error {
	f.calls = append(f.calls, "DeleteProvider")
	if _, exists := f.providers[name]; !exists {
		return ErrNotFound("workload identity provider", name)
	}
	delete(f.providers, name)
	return nil
}

// fakeServiceAccountClient is an in-memory ServiceAccountClient holding one
// mutable policy.
type fakeServiceAccountClient struct {
	policy *Policy

	getPolicyErr error
	setPolicyErr error

	calls []string
}

func newFakeServiceAccountClient() *fakeServiceAccountClient {
	return &fakeServiceAccountClient{policy: &Policy{Etag: "etag-1"}}
}

func (f *fakeServiceAccountClient) GetServiceAccount(ctx context.Context, name string) (*ServiceAccount, error) {
	f.calls = append(f.calls, "GetServiceAccount")
	return &ServiceAccount{Name: name, Email: "deploy@my-project.iam.gserviceaccount.com"}, nil
}

func (f *fakeServiceAccountClient) GetIamPolicy(ctx context.Context, resource string) (*Policy, error) {
	f.calls = append(f.calls, "GetIamPolicy")
	if f.getPolicyErr != nil {
		return nil, f.getPolicyErr
	}
	// Return a deep copy, matching the real API: each read yields a fresh
	// policy, so caller mutations never reach the stored one.
	return copyPolicy(f.policy), nil
}

func copyPolicy(p *Policy) *Policy {
	out := &Policy{Etag: p.Etag, Version: p.Version}
	for _, b := range p.Bindings {
		nb := &PolicyBinding{Role: b.Role, Members: append([]string(nil), b.Members...)}
		if b.Condition != nil {
			cond := *b.Condition
			nb.Condition = &cond
		}
		out.Bindings = append(out.Bindings, nb)
	}
	return out
}

func (f *fakeServiceAccountClient) SetIamPolicy(ctx context.Context, resource string, policy *Policy) error {
	f.calls = append(f.calls, "SetIamPolicy")
	if f.setPolicyErr != nil {
		return f.setPolicyErr
	}
	f.policy = policy
	return nil
}

func newTestProvisioner(wi *fakeWorkloadIdentityClient, sa *fakeServiceAccountClient) *Provisioner {
	return NewProvisioner(
		WithWorkloadIdentityClient(wi),
		WithServiceAccountClient(sa),
	)
}

func TestEnsureCreatesAllResources(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()

	result, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, result.Steps[StepPool])
	assert.Equal(t, OutcomeCreated, result.Steps[StepProvider])
	assert.Equal(t, OutcomeCreated, result.Steps[StepBinding])

	assert.Equal(t, binding.ProviderResource(), result.ProviderResource)
	assert.Equal(t, binding.ServiceAccountEmail, result.ServiceAccountEmail)
	assert.Equal(t, binding.ProjectID, result.ProjectID)

	assert.Contains(t, wi.pools, binding.PoolResource())
	assert.Contains(t, wi.providers, binding.ProviderResource())
	assert.True(t, hasPolicyMember(sa.policy, WorkloadIdentityUserRole, binding.PrincipalSetMember()))
}

func TestEnsureAcceptsShortIdentifiers(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()
	binding.PoolID = "p1"
	binding.ProviderID = "pr1"
	binding.IssuerURI = "https://issuer.example"

	result, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.ProviderResource, "workloadIdentityPools/p1/providers/pr1"),
		"got provider path %q", result.ProviderResource)
}

func TestEnsureTwiceIsIdempotent(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()
	p := newTestProvisioner(wi, sa)

	first, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	second, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	// Second run absorbs conflicts everywhere and changes nothing.
	assert.Equal(t, OutcomeAlreadyExisted, second.Steps[StepPool])
	assert.Equal(t, OutcomeAlreadyExisted, second.Steps[StepProvider])
	assert.Equal(t, OutcomeAlreadyExisted, second.Steps[StepBinding])

	// The output contract is the same three values on every run.
	assert.Equal(t, first.ProviderResource, second.ProviderResource)
	assert.Equal(t, first.ServiceAccountEmail, second.ServiceAccountEmail)
	assert.Equal(t, first.ProjectID, second.ProjectID)

	// The grant was not duplicated.
	require.Len(t, sa.policy.Bindings, 1)
	assert.Len(t, sa.policy.Bindings[0].Members, 1)
}

func TestEnsureToleratesPreexistingPool(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()

	wi.pools[binding.PoolResource()] = &Pool{Name: binding.PoolResource()}

	result, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyExisted, result.Steps[StepPool])
	assert.Equal(t, OutcomeCreated, result.Steps[StepProvider])
	assert.Equal(t, OutcomeCreated, result.Steps[StepBinding])
}

func TestEnsureValidatesBeforeSideEffects(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()
	binding.AttributeCondition = `assertion.ref == "refs/heads/main"`

	_, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryValidation))

	// No cloud call may happen when validation fails.
	assert.Empty(t, wi.calls)
	assert.Empty(t, sa.calls)
}

func TestEnsureAbortsOnPoolError(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	wi.createPoolErr = ErrPermission("permission denied on pool")

	_, err := newTestProvisioner(wi, sa).Ensure(context.Background(), validBinding(), EnsureOptions{})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryPermission))

	// Later steps must not run after an abort.
	assert.NotContains(t, wi.calls, "CreateProvider")
	assert.Empty(t, sa.calls)
}

func TestEnsureBindingErrorLeavesEarlierStepsIntact(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	sa.setPolicyErr = ErrPermission("caller lacks iam.serviceAccounts.setIamPolicy")
	binding := validBinding()

	_, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryPermission))

	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StepBinding, pe.Step)

	// No rollback: the pool and provider created before the failure remain.
	assert.Contains(t, wi.pools, binding.PoolResource())
	assert.Contains(t, wi.providers, binding.ProviderResource())
	assert.NotContains(t, wi.calls, "DeletePool")
	assert.NotContains(t, wi.calls, "DeleteProvider")
}

func TestEnsureRecoversByRerunAfterBindingFailure(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	sa.setPolicyErr = ErrPermission("transient denial")
	binding := validBinding()
	p := newTestProvisioner(wi, sa)

	_, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.Error(t, err)

	// Re-running from the top after the failure is fixed completes the
	// remaining step and tolerates everything already in place.
	sa.setPolicyErr = nil
	result, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyExisted, result.Steps[StepPool])
	assert.Equal(t, OutcomeAlreadyExisted, result.Steps[StepProvider])
	assert.Equal(t, OutcomeCreated, result.Steps[StepBinding])
}

func TestEnsureDryRunMakesNoChanges(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()

	result, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{DryRun: true})
	require.NoError(t, err)

	require.NotNil(t, result.Plan)
	assert.Len(t, result.Plan.Actions, 3)
	assert.Empty(t, result.Steps)

	assert.Empty(t, wi.pools)
	assert.Empty(t, wi.providers)
	assert.NotContains(t, wi.calls, "CreatePool")
	assert.NotContains(t, wi.calls, "CreateProvider")
	assert.NotContains(t, sa.calls, "SetIamPolicy")
}

func TestEnsureDryRunSkipsExistingResources(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()

	wi.pools[binding.PoolResource()] = &Pool{Name: binding.PoolResource()}
	addPolicyMember(sa.policy, WorkloadIdentityUserRole, binding.PrincipalSetMember())

	result, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{DryRun: true})
	require.NoError(t, err)

	require.Len(t, result.Plan.Actions, 1)
	assert.Equal(t, "workload-identity-provider", result.Plan.Actions[0].ResourceType)
}

func TestEnsureRequiresClients(t *testing.T) {
	p := NewProvisioner()

	_, err := p.Ensure(context.Background(), validBinding(), EnsureOptions{})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryValidation))
}

func TestEnsurePreservesUnrelatedPolicyBindings(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	sa.policy.Bindings = []*PolicyBinding{
		{
			Role:    "roles/iam.serviceAccountTokenCreator",
			Members: []string{"user:admin@example.com"},
			Condition: &PolicyCondition{
				Title:      "expires",
				Expression: `request.time < timestamp("2027-01-01T00:00:00Z")`,
			},
		},
	}
	binding := validBinding()

	_, err := newTestProvisioner(wi, sa).Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	require.Len(t, sa.policy.Bindings, 2)
	assert.Equal(t, "roles/iam.serviceAccountTokenCreator", sa.policy.Bindings[0].Role)
	require.NotNil(t, sa.policy.Bindings[0].Condition)
	assert.Equal(t, "expires", sa.policy.Bindings[0].Condition.Title)
}

func TestTeardownRemovesResourcesInReverseOrder(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()
	p := newTestProvisioner(wi, sa)

	_, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	ref := NewBindingRef(binding)
	require.NoError(t, p.Teardown(context.Background(), ref, TeardownOptions{}))

	assert.Empty(t, wi.pools)
	assert.Empty(t, wi.providers)
	assert.False(t, hasPolicyMember(sa.policy, WorkloadIdentityUserRole, binding.PrincipalSetMember()))
}

func TestTeardownIsIdempotent(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()
	p := newTestProvisioner(wi, sa)

	_, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	ref := NewBindingRef(binding)
	require.NoError(t, p.Teardown(context.Background(), ref, TeardownOptions{}))
	require.NoError(t, p.Teardown(context.Background(), ref, TeardownOptions{}))
}

func TestTeardownSkipsGrantWithoutProject(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	p := newTestProvisioner(wi, sa)

	// A ref without a project ID cannot address the service account, so the
	// revoke step is skipped rather than issued against a malformed resource.
	ref := NewBindingRef(validBinding())
	ref.ResourceIDs["project_id"] = ""

	require.NoError(t, p.Teardown(context.Background(), ref, TeardownOptions{}))
	assert.Empty(t, sa.calls)
}

func TestTeardownKeepsUnownedPool(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()
	p := newTestProvisioner(wi, sa)

	_, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)

	ref := NewBindingRef(binding)
	ref.Owned = false

	require.NoError(t, p.Teardown(context.Background(), ref, TeardownOptions{}))
	assert.Contains(t, wi.pools, binding.PoolResource())
	assert.Empty(t, wi.providers)

	// Force overrides ownership.
	require.NoError(t, p.Teardown(context.Background(), ref, TeardownOptions{Force: true}))
	assert.Empty(t, wi.pools)
}

func TestTeardownDryRunMakesNoCalls(t *testing.T) {
	wi := newFakeWorkloadIdentityClient()
	sa := newFakeServiceAccountClient()
	binding := validBinding()
	p := newTestProvisioner(wi, sa)

	_, err := p.Ensure(context.Background(), binding, EnsureOptions{})
	require.NoError(t, err)
	callsBefore := len(wi.calls) + len(sa.calls)

	ref := NewBindingRef(binding)
	require.NoError(t, p.Teardown(context.Background(), ref, TeardownOptions{DryRun: true}))

	assert.Equal(t, callsBefore, len(wi.calls)+len(sa.calls))
	assert.Contains(t, wi.pools, binding.PoolResource())
}

func TestNewBindingRef(t *testing.T) {
	binding := validBinding()
	ref := NewBindingRef(binding)

	assert.Contains(t, ref.ID, "wif-github-pool-")
	assert.True(t, ref.Owned)
	assert.Equal(t, StateVersion, ref.Version)
	assert.Equal(t, binding.PoolResource(), ref.ResourceIDs["pool"])
	assert.Equal(t, binding.ProviderResource(), ref.ResourceIDs["provider"])
	assert.Equal(t, binding.ServiceAccountEmail, ref.ResourceIDs["service_account_email"])
	assert.Equal(t, binding.PrincipalSetMember(), ref.ResourceIDs["principal_set"])

	// Refs are unique across calls for the same binding.
	other := NewBindingRef(binding)
	assert.NotEqual(t, ref.ID, other.ID)
}

func TestPolicyMemberHelpers(t *testing.T) {
	policy := &Policy{}

	assert.True(t, addPolicyMember(policy, WorkloadIdentityUserRole, "principalSet://a"))
	assert.False(t, addPolicyMember(policy, WorkloadIdentityUserRole, "principalSet://a"))
	assert.True(t, addPolicyMember(policy, WorkloadIdentityUserRole, "principalSet://b"))
	assert.True(t, hasPolicyMember(policy, WorkloadIdentityUserRole, "principalSet://a"))

	assert.True(t, removePolicyMember(policy, WorkloadIdentityUserRole, "principalSet://a"))
	assert.False(t, removePolicyMember(policy, WorkloadIdentityUserRole, "principalSet://a"))
	assert.True(t, hasPolicyMember(policy, WorkloadIdentityUserRole, "principalSet://b"))

	// Removing the last member drops the whole binding.
	assert.True(t, removePolicyMember(policy, WorkloadIdentityUserRole, "principalSet://b"))
	assert.Empty(t, policy.Bindings)
}
