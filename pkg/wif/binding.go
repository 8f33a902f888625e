package wif

import (
	"fmt"
	"regexp"
	"strings"
)

// GitHubIssuerURI is the OIDC issuer for GitHub Actions workflow tokens.
const GitHubIssuerURI = "https://token.actions.githubusercontent.com"

// WorkloadIdentityUserRole is the IAM role granted to the principal set on
// the service account.
const WorkloadIdentityUserRole = "roles/iam.workloadIdentityUser"

// FederationBinding describes the identity-federation resources required for
// one external repository: a workload identity pool, an OIDC provider under
// it, and a workloadIdentityUser grant on a service account.
//
// A binding is created once per environment and never mutated in place;
// changes are re-applied as idempotent Ensure calls.
type FederationBinding struct {
	// ProjectID is the project ID hosting the service account.
	ProjectID string `json:"project_id" yaml:"project_id"`

	// ProjectNumber is the numeric project identifier. Pool and provider
	// resource paths are addressed by number, not ID.
	ProjectNumber string `json:"project_number" yaml:"project_number"`

	// PoolID is the workload identity pool ID.
	PoolID string `json:"pool_id" yaml:"pool_id"`

	// PoolDisplayName is a human-readable name for the pool.
	PoolDisplayName string `json:"pool_display_name,omitempty" yaml:"pool_display_name,omitempty"`

	// ProviderID is the OIDC provider ID within the pool.
	ProviderID string `json:"provider_id" yaml:"provider_id"`

	// ProviderDisplayName is a human-readable name for the provider.
	ProviderDisplayName string `json:"provider_display_name,omitempty" yaml:"provider_display_name,omitempty"`

	// IssuerURI is the external OIDC issuer URL.
	IssuerURI string `json:"issuer_uri" yaml:"issuer_uri"`

	// AllowedAudiences restricts accepted token audiences. Empty means the
	// provider default (the full provider resource path).
	AllowedAudiences []string `json:"allowed_audiences,omitempty" yaml:"allowed_audiences,omitempty"`

	// AttributeMapping maps Google attribute names to token-claim
	// expressions, e.g. "attribute.repository" -> "assertion.repository".
	AttributeMapping map[string]string `json:"attribute_mapping" yaml:"attribute_mapping"`

	// AttributeCondition is a CEL expression over token claims. It may only
	// reference claims that AttributeMapping maps.
	AttributeCondition string `json:"attribute_condition" yaml:"attribute_condition"`

	// ServiceAccountEmail is the service account the principal set is allowed
	// to impersonate.
	ServiceAccountEmail string `json:"service_account_email" yaml:"service_account_email"`

	// Repository is the single external repository ("org/repo") admitted by
	// the principal set. Broader patterns are rejected.
	Repository string `json:"repository" yaml:"repository"`
}

var (
	projectIDRegex     = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)
	projectNumberRegex = regexp.MustCompile(`^\d+$`)
	poolIDRegex        = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,30}[a-z0-9])?$`)
	saEmailRegex       = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.iam\.gserviceaccount\.com$`)
	repositoryRegex    = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

	// claimRefRegex matches assertion.<claim> and attribute.<name> references
	// in mapping expressions and conditions.
	claimRefRegex = regexp.MustCompile(`\b(assertion|attribute)\.([A-Za-z_][A-Za-z0-9_]*)`)
)

// Validate checks the binding fields and invariants. It must pass before any
// provisioning side effect is attempted.
func (b *FederationBinding) Validate() error {
	if b.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if !projectIDRegex.MatchString(b.ProjectID) {
		return fmt.Errorf("invalid project_id format: %s", b.ProjectID)
	}
	if b.ProjectNumber == "" {
		return fmt.Errorf("project_number is required")
	}
	if !projectNumberRegex.MatchString(b.ProjectNumber) {
		return fmt.Errorf("invalid project_number format: %s", b.ProjectNumber)
	}
	if b.PoolID == "" {
		return fmt.Errorf("pool_id is required")
	}
	if !poolIDRegex.MatchString(b.PoolID) {
		return fmt.Errorf("invalid pool_id format: %s", b.PoolID)
	}
	if b.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	if !poolIDRegex.MatchString(b.ProviderID) {
		return fmt.Errorf("invalid provider_id format: %s", b.ProviderID)
	}
	if b.IssuerURI == "" {
		return fmt.Errorf("issuer_uri is required")
	}
	if !strings.HasPrefix(b.IssuerURI, "https://") {
		return fmt.Errorf("issuer_uri must use HTTPS: %s", b.IssuerURI)
	}
	if b.ServiceAccountEmail == "" {
		return fmt.Errorf("service_account_email is required")
	}
	if !saEmailRegex.MatchString(b.ServiceAccountEmail) {
		return fmt.Errorf("invalid service_account_email format: %s", b.ServiceAccountEmail)
	}
	if b.Repository == "" {
		return fmt.Errorf("repository is required")
	}
	if strings.ContainsAny(b.Repository, "*?") || !repositoryRegex.MatchString(b.Repository) {
		return fmt.Errorf("repository must name exactly one org/repo, got: %s", b.Repository)
	}
	if len(b.AttributeMapping) == 0 {
		return fmt.Errorf("attribute_mapping is required")
	}
	if b.AttributeCondition == "" {
		return fmt.Errorf("attribute_condition is required")
	}
	if err := b.validateCondition(); err != nil {
		return err
	}
	return nil
}

// validateCondition enforces that the attribute condition references only
// claims the attribute mapping maps: assertion.<claim> references must appear
// in a mapping expression, attribute.<name> references must be mapping keys.
func (b *FederationBinding) validateCondition() error {
	mappedAssertions := make(map[string]bool)
	for _, expr := range b.AttributeMapping {
		for _, m := range claimRefRegex.FindAllStringSubmatch(expr, -1) {
			if m[1] == "assertion" {
				mappedAssertions[m[2]] = true
			}
		}
	}

	for _, m := range claimRefRegex.FindAllStringSubmatch(b.AttributeCondition, -1) {
		switch m[1] {
		case "assertion":
			if !mappedAssertions[m[2]] {
				return fmt.Errorf("attribute_condition references unmapped claim assertion.%s", m[2])
			}
		case "attribute":
			if _, ok := b.AttributeMapping["attribute."+m[2]]; !ok {
				return fmt.Errorf("attribute_condition references unmapped attribute.%s", m[2])
			}
		}
	}
	return nil
}

// PoolParent returns the parent resource under which pools are created.
func (b *FederationBinding) PoolParent() string {
	return fmt.Sprintf("projects/%s/locations/global", b.ProjectNumber)
}

// PoolResource returns the fully-qualified pool resource path.
func (b *FederationBinding) PoolResource() string {
	return fmt.Sprintf("%s/workloadIdentityPools/%s", b.PoolParent(), b.PoolID)
}

// ProviderResource returns the fully-qualified provider resource path. This
// is the identifier a downstream CI system configures as its audience.
func (b *FederationBinding) ProviderResource() string {
	return fmt.Sprintf("%s/providers/%s", b.PoolResource(), b.ProviderID)
}

// ServiceAccountResource returns the IAM resource path of the service
// account.
func (b *FederationBinding) ServiceAccountResource() string {
	return fmt.Sprintf("projects/%s/serviceAccounts/%s", b.ProjectID, b.ServiceAccountEmail)
}

// PrincipalSetMember returns the IAM member string matching identities from
// the bound repository. The member scopes to the repository attribute, not
// the whole pool.
func (b *FederationBinding) PrincipalSetMember() string {
	return fmt.Sprintf("principalSet://iam.googleapis.com/%s/attribute.repository/%s",
		b.PoolResource(), b.Repository)
}

// GitHubAttributeMapping returns the default attribute mapping for GitHub
// Actions tokens.
func GitHubAttributeMapping() map[string]string {
	return map[string]string{
		"google.subject":       "assertion.sub",
		"attribute.repository": "assertion.repository",
	}
}

// GitHubAttributeCondition returns the default condition pinning tokens to a
// single repository.
func GitHubAttributeCondition(repository string) string {
	return fmt.Sprintf("assertion.repository == %q", repository)
}
