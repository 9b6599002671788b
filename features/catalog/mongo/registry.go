// Package mongo wires the catalog.RegistryClient interface to the MongoDB
// client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/nodekit/features/catalog/mongo/clients/mongo"
	"goa.design/nodekit/runtime/catalog"
)

// Registry implements catalog.RegistryClient by delegating to the Mongo
// client.
type Registry struct {
	client clientsmongo.Client
}

// NewRegistry builds a Mongo-backed contribution registry using the provided
// client.
func NewRegistry(client clientsmongo.Client) (*Registry, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Registry{client: client}, nil
}

// Contributions implements catalog.RegistryClient.
func (r *Registry) Contributions(ctx context.Context) ([]catalog.Contribution, error) {
	return r.client.Contributions(ctx)
}

// Publish upserts a signed contribution into the registry.
func (r *Registry) Publish(ctx context.Context, c catalog.Contribution) error {
	return r.client.Publish(ctx, c)
}
