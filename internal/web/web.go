// Package web is the HTTP surface of the federation engine: per-actor and
// shared inboxes, actor documents, and the operator endpoints for failed
// deliveries and the domain blocklist.
package web

import (
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/delivery"
	"github.com/sidereusnuntius/agora/internal/inbox"
	"github.com/sidereusnuntius/agora/internal/keys"
	"github.com/sidereusnuntius/agora/internal/signature"
)

type Handler struct {
	Config    *config.Configuration
	db        db.DB
	verifier  *signature.Verifier
	processor *inbox.Processor
	queue     *delivery.Queue
	blocks    *blocklist.Cache
	keys      *keys.Store
}

func New(cfg *config.Configuration, d db.DB, v *signature.Verifier, p *inbox.Processor, q *delivery.Queue, blocks *blocklist.Cache, ks *keys.Store) Handler {
	return Handler{
		Config:    cfg,
		db:        d,
		verifier:  v,
		processor: p,
		queue:     q,
		blocks:    blocks,
		keys:      ks,
	}
}
