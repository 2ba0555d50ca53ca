// Package inbox applies verified inbound activities to local state. The
// processor is a closed switch over the activity and object types the forum
// understands; everything else is accepted and ignored, since erroring makes
// remote servers redeliver forever.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
	"github.com/sidereusnuntius/agora/internal/gateway"
)

// ErrUnauthorized means the signing actor is not allowed to perform the
// activity, for instance deleting an object it did not author.
var ErrUnauthorized = errors.New("actor not authorized for activity")

type Processor struct {
	db        db.DB
	gw        *gateway.Gateway
	cfg       *config.Configuration
	sanitizer *bluemonday.Policy
}

func New(d db.DB, gw *gateway.Gateway, cfg *config.Configuration) *Processor {
	return &Processor{
		db:        d,
		gw:        gw,
		cfg:       cfg,
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// Process applies one verified activity. signer is the remote actor whose
// signature authenticated the request; it must match the activity's actor.
// Activities the forum does not understand are dropped with a nil error so
// the caller still responds 2xx. Redelivered activities are absorbed by the
// natural-key constraints underneath each handler.
func (p *Processor) Process(ctx context.Context, body []byte, signer domain.RemoteActor) error {
	act, err := parseActivity(body)
	if err != nil {
		log.Info().Err(err).Str("signer", signer.ApID).Msg("ignoring malformed activity")
		return nil
	}

	if act.Actor != signer.ApID {
		log.Warn().Str("signer", signer.ApID).Str("actor", act.Actor).
			Msg("rejecting activity, signer does not match actor")
		return ErrUnauthorized
	}

	switch act.Type {
	case "Follow":
		return p.follow(ctx, act, body, signer)
	case "Undo":
		return p.undo(ctx, act, signer)
	case "Create":
		return p.create(ctx, act, signer)
	case "Like":
		return p.like(ctx, act, signer)
	case "Announce":
		return p.announce(ctx, act, signer)
	case "Delete":
		return p.remove(ctx, act, signer)
	case "Update":
		return p.update(ctx, act, signer)
	case "Move":
		return p.move(ctx, act, signer)
	case "Flag":
		return p.flag(ctx, act, signer)
	case "Accept":
		return p.accept(ctx, act, signer)
	case "Reject":
		return p.rejectFollow(ctx, act, signer)
	default:
		log.Info().Str("type", act.Type).Str("actor", act.Actor).Msg("ignoring unsupported activity type")
		return nil
	}
}

func (p *Processor) follow(ctx context.Context, act Activity, body []byte, signer domain.RemoteActor) error {
	followee, err := p.db.GetLocalActorByURI(ctx, act.objectIRI())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Info().Str("object", act.objectIRI()).Msg("ignoring follow of unknown actor")
			return nil
		}
		return err
	}

	follow, err := p.db.UpsertFollow(ctx, domain.Follow{
		ActivityIRI: act.ID,
		FollowerURI: signer.ApID,
		FolloweeURI: followee.ApID.String(),
	})
	if err != nil {
		return err
	}

	if !followee.AutoAcceptFollows {
		log.Info().Str("follower", signer.ApID).Str("followee", follow.FolloweeURI).
			Msg("recorded pending follow")
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return err
	}
	return p.gw.Accept(ctx, &followee, raw, signer.Inbox)
}

func (p *Processor) undo(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	obj, err := act.embeddedObject()
	if err != nil {
		log.Info().Err(err).Msg("ignoring undo with unparseable object")
		return nil
	}

	switch obj.Type {
	case "Follow":
		err := p.db.DeleteFollowByActivityIRI(ctx, obj.ID, signer.ApID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	case "Like":
		return p.db.DeleteLike(ctx, obj.Object, signer.ApID)
	case "Announce":
		return p.db.DeleteAnnounce(ctx, obj.Object, signer.ApID)
	default:
		log.Info().Str("object_type", obj.Type).Msg("ignoring unsupported undo")
		return nil
	}
}

func (p *Processor) create(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	obj, err := act.embeddedObject()
	if err != nil || obj.ID == "" {
		log.Info().Str("actor", act.Actor).Msg("ignoring create with unparseable object")
		return nil
	}

	kind := domain.ObjectKind(obj.Type)
	switch kind {
	case domain.ObjectNote, domain.ObjectArticle, domain.ObjectQuestion:
	default:
		log.Info().Str("object_type", obj.Type).Msg("ignoring create of unsupported object type")
		return nil
	}

	author := obj.AttributedTo
	if author == "" {
		author = signer.ApID
	}
	if author != signer.ApID {
		log.Info().Str("signer", signer.ApID).Str("attributed_to", author).
			Msg("ignoring create attributed to a different actor")
		return nil
	}

	inserted, err := p.db.CreateRemoteObject(ctx, domain.RemoteObject{
		ApID:         obj.ID,
		Kind:         kind,
		AttributedTo: author,
		InReplyTo:    obj.InReplyTo,
		Name:         obj.Name,
		Content:      p.sanitize(obj.Content),
		Published:    obj.publishedAt(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		log.Debug().Str("ap_id", obj.ID).Msg("object already known, redelivery absorbed")
	}
	return nil
}

func (p *Processor) like(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	iri := act.objectIRI()
	if iri == "" {
		return nil
	}
	_, err := p.db.CreateLike(ctx, iri, signer.ApID)
	return err
}

func (p *Processor) announce(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	iri := act.objectIRI()
	if iri == "" {
		return nil
	}
	_, err := p.db.CreateAnnounce(ctx, iri, signer.ApID)
	return err
}

// remove soft-deletes an object, but only for the actor that authored it.
func (p *Processor) remove(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	iri := act.objectIRI()
	if iri == "" {
		return nil
	}

	obj, err := p.db.GetRemoteObject(ctx, iri)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Debug().Str("ap_id", iri).Msg("delete for unknown object ignored")
			return nil
		}
		return err
	}

	if obj.AttributedTo != signer.ApID {
		log.Warn().Str("signer", signer.ApID).Str("author", obj.AttributedTo).
			Str("ap_id", iri).Msg("rejecting delete by non-author")
		return ErrUnauthorized
	}

	_, err = p.db.SoftDeleteRemoteObject(ctx, iri)
	return err
}

func (p *Processor) update(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	obj, err := act.embeddedObject()
	if err != nil || obj.ID == "" {
		return nil
	}

	switch obj.Type {
	case "Person", "Group", "Service", "Organization", "Application":
		// Profile edits are handled by re-fetching the actor document, so
		// the stored record always reflects what the origin serves.
		p.gw.RefreshActorAsync(signer.ApID)
		return nil
	case string(domain.ObjectNote), string(domain.ObjectArticle), string(domain.ObjectQuestion):
	default:
		log.Info().Str("object_type", obj.Type).Msg("ignoring update of unsupported object type")
		return nil
	}

	stored, err := p.db.GetRemoteObject(ctx, obj.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Debug().Str("ap_id", obj.ID).Msg("update for unknown object ignored")
			return nil
		}
		return err
	}

	if stored.AttributedTo != signer.ApID {
		log.Warn().Str("signer", signer.ApID).Str("author", stored.AttributedTo).
			Str("ap_id", obj.ID).Msg("rejecting update by non-author")
		return ErrUnauthorized
	}

	stored.Name = obj.Name
	stored.Content = p.sanitize(obj.Content)
	err = p.db.UpdateRemoteObject(ctx, stored)
	if errors.Is(err, db.ErrNotFound) {
		// The object was deleted between the read and the write.
		return nil
	}
	return err
}

// move repoints everything referencing the signer's old identity to its new
// one, for actors migrating between instances.
func (p *Processor) move(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	oldIRI := act.objectIRI()
	newIRI := act.Target
	if oldIRI == "" || newIRI == "" || oldIRI == newIRI {
		log.Info().Str("actor", act.Actor).Msg("ignoring move without usable old/new pair")
		return nil
	}
	if oldIRI != signer.ApID {
		log.Warn().Str("signer", signer.ApID).Str("object", oldIRI).Msg("rejecting move of another actor")
		return ErrUnauthorized
	}

	if err := p.db.MoveRemoteActor(ctx, oldIRI, newIRI); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if err := p.db.MoveActorRefs(ctx, oldIRI, newIRI); err != nil {
		return err
	}

	// The new identity is fetched in the background so its key and inbox are
	// on hand before anything needs them.
	p.gw.RefreshActorAsync(newIRI)
	log.Info().Str("old", oldIRI).Str("new", newIRI).Msg("moved remote actor references")
	return nil
}

func (p *Processor) flag(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	iri := act.objectIRI()
	if act.ID == "" || iri == "" {
		log.Info().Str("actor", act.Actor).Msg("ignoring flag without id or object")
		return nil
	}

	created, err := p.db.CreateReport(ctx, domain.Report{
		ActivityIRI: act.ID,
		ActorURI:    signer.ApID,
		ObjectIRI:   iri,
		Content:     p.sanitize(act.Content),
	})
	if err != nil {
		return err
	}
	if created {
		log.Info().Str("reporter", signer.ApID).Str("object", iri).Msg("created moderation report")
	}
	return nil
}

// accept marks one of our outbound follows accepted. The embedded Follow's
// followee must be the signer; a server cannot accept on another's behalf.
func (p *Processor) accept(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	obj, err := act.embeddedObject()
	if err != nil || obj.ID == "" {
		return nil
	}
	if obj.Type != "" && obj.Type != "Follow" {
		log.Info().Str("object_type", obj.Type).Msg("ignoring accept of non-follow")
		return nil
	}
	if obj.Object != "" && obj.Object != signer.ApID {
		log.Warn().Str("signer", signer.ApID).Str("followee", obj.Object).
			Msg("rejecting accept signed by non-followee")
		return ErrUnauthorized
	}

	err = p.db.AcceptFollowByActivityIRI(ctx, obj.ID, time.Now())
	if errors.Is(err, db.ErrNotFound) {
		log.Debug().Str("follow", obj.ID).Msg("accept for unknown follow ignored")
		return nil
	}
	return err
}

// rejectFollow discards one of our outbound follows that the remote side
// turned down.
func (p *Processor) rejectFollow(ctx context.Context, act Activity, signer domain.RemoteActor) error {
	obj, err := act.embeddedObject()
	if err != nil || obj.ID == "" || obj.Actor == "" {
		return nil
	}
	if obj.Object != "" && obj.Object != signer.ApID {
		log.Warn().Str("signer", signer.ApID).Str("followee", obj.Object).
			Msg("rejecting reject signed by non-followee")
		return ErrUnauthorized
	}

	err = p.db.DeleteFollowByActivityIRI(ctx, obj.ID, obj.Actor)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// sanitize strips markup down to the allowed subset and bounds stored
// content length. The cut backs off to a rune boundary so no multibyte
// character is split, and happens before sanitizing so the policy repairs
// any tag it opened up.
func (p *Processor) sanitize(content string) string {
	if len(content) > p.cfg.MaxContentLength {
		cut := p.cfg.MaxContentLength
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	return p.sanitizer.Sanitize(content)
}
