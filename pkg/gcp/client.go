// Package gcp implements the wif client interfaces on the Google IAM API.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"google.golang.org/api/googleapi"
	iam "google.golang.org/api/iam/v1"
	"google.golang.org/api/option"

	"github.com/keyless-ci/wifctl/pkg/wif"
)

// Client talks to the IAM API. It implements both wif.WorkloadIdentityClient
// and wif.ServiceAccountClient.
type Client struct {
	svc *iam.Service
}

// NewClient creates a Client using application default credentials unless
// overridden by options.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := iam.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create iam service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// GetPool implements wif.WorkloadIdentityClient.
func (c *Client) GetPool(ctx context.Context, name string) (*wif.Pool, error) {
	pool, err := c.svc.Projects.Locations.WorkloadIdentityPools.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "workload identity pool", name)
	}
	return &wif.Pool{
		Name:        pool.Name,
		DisplayName: pool.DisplayName,
		Description: pool.Description,
		State:       pool.State,
		Disabled:    pool.Disabled,
	}, nil
}

// CreatePool implements wif.WorkloadIdentityClient. The create call returns a
// long-running operation; the pool is addressable as soon as the call
// succeeds, so the operation is not polled.
func (c *Client) CreatePool(ctx context.Context, parent, poolID string, pool *wif.Pool) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Create(parent, &iam.WorkloadIdentityPool{
		DisplayName: pool.DisplayName,
		Description: pool.Description,
	}).WorkloadIdentityPoolId(poolID).Context(ctx).Do()
	if err != nil {
		return translateError(err, "workload identity pool", poolID)
	}
	return nil
}

// DeletePool implements wif.WorkloadIdentityClient.
func (c *Client) DeletePool(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Delete(name).Context(ctx).Do()
	if err != nil {
		return translateError(err, "workload identity pool", name)
	}
	return nil
}

// GetProvider implements wif.WorkloadIdentityClient.
func (c *Client) GetProvider(ctx context.Context, name string) (*wif.OIDCProvider, error) {
	provider, err := c.svc.Projects.Locations.WorkloadIdentityPools.Providers.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "workload identity provider", name)
	}

	out := &wif.OIDCProvider{
		Name:               provider.Name,
		DisplayName:        provider.DisplayName,
		Description:        provider.Description,
		State:              provider.State,
		Disabled:           provider.Disabled,
		AttributeMapping:   provider.AttributeMapping,
		AttributeCondition: provider.AttributeCondition,
	}
	if provider.Oidc != nil {
		out.IssuerURI = provider.Oidc.IssuerUri
		out.AllowedAudiences = provider.Oidc.AllowedAudiences
	}
	return out, nil
}

// CreateProvider implements wif.WorkloadIdentityClient.
func (c *Client) CreateProvider(ctx context.Context, parent, providerID string, provider *wif.OIDCProvider) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Providers.Create(parent, &iam.WorkloadIdentityPoolProvider{
		DisplayName:        provider.DisplayName,
		Description:        provider.Description,
		AttributeMapping:   provider.AttributeMapping,
		AttributeCondition: provider.AttributeCondition,
		Oidc: &iam.Oidc{
			IssuerUri:        provider.IssuerURI,
			AllowedAudiences: provider.AllowedAudiences,
		},
	}).WorkloadIdentityPoolProviderId(providerID).Context(ctx).Do()
	if err != nil {
		return translateError(err, "workload identity provider", providerID)
	}
	return nil
}

// DeleteProvider implements wif.WorkloadIdentityClient.
func (c *Client) DeleteProvider(ctx context.Context, name string) error {
	_, err := c.svc.Projects.Locations.WorkloadIdentityPools.Providers.Delete(name).Context(ctx).Do()
	if err != nil {
		return translateError(err, "workload identity provider", name)
	}
	return nil
}

// GetServiceAccount implements wif.ServiceAccountClient.
func (c *Client) GetServiceAccount(ctx context.Context, name string) (*wif.ServiceAccount, error) {
	sa, err := c.svc.Projects.ServiceAccounts.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "service account", name)
	}
	return &wif.ServiceAccount{
		Name:      sa.Name,
		ProjectID: sa.ProjectId,
		UniqueID:  sa.UniqueId,
		Email:     sa.Email,
		Disabled:  sa.Disabled,
	}, nil
}

// GetIamPolicy implements wif.ServiceAccountClient.
func (c *Client) GetIamPolicy(ctx context.Context, resource string) (*wif.Policy, error) {
	policy, err := c.svc.Projects.ServiceAccounts.GetIamPolicy(resource).Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "iam policy", resource)
	}
	return fromIamPolicy(policy), nil
}

// SetIamPolicy implements wif.ServiceAccountClient. The policy etag from the
// preceding read is carried so concurrent modifications fail instead of
// clobbering each other.
func (c *Client) SetIamPolicy(ctx context.Context, resource string, policy *wif.Policy) error {
	_, err := c.svc.Projects.ServiceAccounts.SetIamPolicy(resource, &iam.SetIamPolicyRequest{
		Policy: toIamPolicy(policy),
	}).Context(ctx).Do()
	if err != nil {
		return translateError(err, "iam policy", resource)
	}
	return nil
}

func fromIamPolicy(policy *iam.Policy) *wif.Policy {
	out := &wif.Policy{
		Etag:    policy.Etag,
		Version: policy.Version,
	}
	for _, b := range policy.Bindings {
		binding := &wif.PolicyBinding{
			Role:    b.Role,
			Members: b.Members,
		}
		if b.Condition != nil {
			binding.Condition = &wif.PolicyCondition{
				Title:       b.Condition.Title,
				Description: b.Condition.Description,
				Expression:  b.Condition.Expression,
			}
		}
		out.Bindings = append(out.Bindings, binding)
	}
	return out
}

func toIamPolicy(policy *wif.Policy) *iam.Policy {
	out := &iam.Policy{
		Etag:    policy.Etag,
		Version: policy.Version,
	}
	for _, b := range policy.Bindings {
		binding := &iam.Binding{
			Role:    b.Role,
			Members: b.Members,
		}
		if b.Condition != nil {
			binding.Condition = &iam.Expr{
				Title:       b.Condition.Title,
				Description: b.Condition.Description,
				Expression:  b.Condition.Expression,
			}
		}
		out.Bindings = append(out.Bindings, binding)
	}
	return out
}

// translateError maps IAM API errors onto the wif error taxonomy. The
// "already exists" signal is the API's structured 409 status, never message
// text.
func translateError(err error, resourceType, resourceID string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusConflict:
			return wif.ErrConflict(resourceType, resourceID).WithCause(err)
		case http.StatusNotFound:
			return wif.ErrNotFound(resourceType, resourceID).WithCause(err)
		case http.StatusForbidden:
			return wif.ErrPermission(fmt.Sprintf("permission denied on %s %s", resourceType, resourceID)).
				WithResource(resourceType, resourceID).WithCause(err)
		}
		return wif.ErrInternal(fmt.Sprintf("iam api error on %s %s", resourceType, resourceID)).
			WithResource(resourceType, resourceID).WithCause(err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return wif.ErrNetwork(fmt.Sprintf("network failure reaching iam api for %s %s", resourceType, resourceID)).
			WithResource(resourceType, resourceID).WithCause(err)
	}

	return wif.ErrInternal(fmt.Sprintf("unexpected error on %s %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID).WithCause(err)
}
