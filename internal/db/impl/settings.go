package impl

import (
	"context"
	"strings"
	"time"
)

func (d *dbImpl) GetBlockedDomains(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT domain FROM blocked_domains`)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, err
		}
		domains = append(domains, domain)
	}
	return domains, rows.Err()
}

func (d *dbImpl) AddBlockedDomain(ctx context.Context, domain string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO blocked_domains (domain, created_at) VALUES (?, ?)
		 ON CONFLICT (domain) DO NOTHING`,
		strings.ToLower(domain), time.Now().Unix())
	return d.HandleError(err)
}

func (d *dbImpl) RemoveBlockedDomain(ctx context.Context, domain string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM blocked_domains WHERE domain = ?`, strings.ToLower(domain))
	return d.HandleError(err)
}
