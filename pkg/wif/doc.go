// Package wif provisions Google Cloud Workload Identity Federation for
// external CI identities.
//
// # Overview
//
// wif ensures that the three resources an external OIDC identity (such as a
// GitHub Actions workflow) needs to impersonate a service account exist: a
// workload identity pool, an OIDC provider under that pool, and a
// workloadIdentityUser grant scoped to a single repository's principal set.
//
// # Core Concepts
//
// ## FederationBinding
//
// A FederationBinding is the declarative description of one federation: pool
// and provider identifiers, the external issuer, the attribute mapping and
// condition applied to incoming tokens, the service account to impersonate,
// and the single repository admitted by the principal set.
//
// ## Provisioner
//
// The Provisioner applies a binding with Ensure. Each of its three ordered
// steps is an idempotent assertion: creation is attempted first, and an
// "already exists" response from the cloud API counts as success. Any other
// error aborts the remaining steps. Re-running Ensure from the top is always
// safe, so no rollback or resume logic exists.
//
// ## BindingRef and StateStore
//
// Ensure returns the stable identifiers a downstream CI system needs (the
// provider resource path, the service account email, and the project ID).
// Callers that want to validate or tear down later record a BindingRef in a
// StateStore; the Provisioner itself writes no local state and never handles
// secrets.
//
// # Usage
//
//	binding := &wif.FederationBinding{
//	    ProjectID:           "my-project",
//	    ProjectNumber:       "123456789012",
//	    PoolID:              "github-pool",
//	    ProviderID:          "github-provider",
//	    IssuerURI:           wif.GitHubIssuerURI,
//	    AttributeMapping:    wif.GitHubAttributeMapping(),
//	    AttributeCondition:  wif.GitHubAttributeCondition("myorg/myrepo"),
//	    ServiceAccountEmail: "deploy@my-project.iam.gserviceaccount.com",
//	    Repository:          "myorg/myrepo",
//	}
//
//	p := wif.NewProvisioner(
//	    wif.WithWorkloadIdentityClient(client),
//	    wif.WithServiceAccountClient(client),
//	)
//	result, err := p.Ensure(ctx, binding, wif.EnsureOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.ProviderResource)
package wif
