package manage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the catalog has no entry for an identifier
var ErrNotFound = errors.New("manage: entry not found")

// Provider is the display metadata of a catalog entry, keyed by Manage field names
// such as "name:en" and "OrganizationName:en".
type Provider map[string]any

// Catalog resolves catalog entries to their metadata
type Catalog interface {
	ProviderByID(ctx context.Context, entityType, id string) (Provider, error)
}

// UnknownProvider is the placeholder for an entry that no longer exists in Manage
func UnknownProvider(id Identifier) Provider {
	return Provider{
		"id":                  id.ID,
		"type":                id.Type,
		"name:en":             "Unknown in Manage",
		"OrganizationName:en": "",
		"provisioning_type":   "",
	}
}

// ResolveProviders issues exactly one catalog lookup per identifier. Callers
// pass deduplicated identifiers (see Deduplicate) to avoid redundant round trips.
// Missing entries resolve to UnknownProvider; any other failure is returned.
func ResolveProviders(ctx context.Context, catalog Catalog, identifiers []Identifier) ([]map[string]any, error) {
	providers := make([]map[string]any, 0, len(identifiers))
	for _, id := range identifiers {
		provider, err := catalog.ProviderByID(ctx, id.Type, id.ID)
		if errors.Is(err, ErrNotFound) {
			provider = UnknownProvider(id)
		} else if err != nil {
			return nil, fmt.Errorf("resolving %s %s: %w", id.Type, id.ID, err)
		}
		providers = append(providers, provider)
	}
	return providers, nil
}

// StaticCatalog is an in-memory catalog, used when no Manage URL is configured
type StaticCatalog map[Identifier]Provider

// ProviderByID returns a copy of the stored entry
func (s StaticCatalog) ProviderByID(_ context.Context, entityType, id string) (Provider, error) {
	p, ok := s[Identifier{ID: id, Type: entityType}]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(Provider, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}
