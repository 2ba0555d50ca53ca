package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/sidereusnuntius/agora/internal/domain"
)

func (h *Handler) Mount(r chi.Router) {
	r.Post("/inbox", SharedInbox(h))

	r.Route("/actor", func(r chi.Router) {
		r.Get("/", SiteActor(h))
		r.Post("/inbox", ActorInbox(h, domain.ActorSite))
	})

	r.Route("/users/{name}", func(r chi.Router) {
		r.Get("/", ActorDocument(h, domain.ActorUser))
		r.Post("/inbox", ActorInbox(h, domain.ActorUser))
	})

	r.Route("/boards/{name}", func(r chi.Router) {
		r.Get("/", ActorDocument(h, domain.ActorBoard))
		r.Post("/inbox", ActorInbox(h, domain.ActorBoard))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminMiddleware(h))
		r.Get("/deliveries/failed", FailedDeliveries(h))
		r.Post("/deliveries/{id}/retry", RetryDelivery(h))
		r.Post("/deliveries/{id}/abandon", AbandonDelivery(h))
		r.Get("/blocks", ListBlocks(h))
		r.Post("/blocks/{domain}", AddBlock(h))
		r.Delete("/blocks/{domain}", RemoveBlock(h))
	})
}
