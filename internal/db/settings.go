package db

import "context"

type Settings interface {
	// GetBlockedDomains reads the persisted blocklist. Federation code never
	// calls this directly on the hot path; the blocklist cache does.
	GetBlockedDomains(ctx context.Context) ([]string, error)
	AddBlockedDomain(ctx context.Context, domain string) error
	RemoveBlockedDomain(ctx context.Context, domain string) error
}
