package actors

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sidereusnuntius/agora/internal/domain"
)

// actorDocument is the wire form of a remote actor. Only the fields the
// engine needs are decoded; everything else in the document is ignored.
type actorDocument struct {
	Context           json.RawMessage `json:"@context"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Summary           string          `json:"summary"`
	Inbox             string          `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// parseActorDocument validates the required fields and converts the document
// into a RemoteActor. The document's own id must match the IRI it was
// fetched from, so a host cannot impersonate actors it does not own.
func parseActorDocument(raw []byte, fetchedFrom *url.URL) (domain.RemoteActor, error) {
	var doc actorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.RemoteActor{}, fmt.Errorf("malformed actor document: %w", err)
	}

	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return domain.RemoteActor{}, fmt.Errorf("actor document missing required fields")
	}

	id, err := url.Parse(doc.ID)
	if err != nil {
		return domain.RemoteActor{}, fmt.Errorf("invalid actor id %q: %w", doc.ID, err)
	}
	if id.Host != fetchedFrom.Host {
		return domain.RemoteActor{}, fmt.Errorf("actor id %q does not belong to host %q", doc.ID, fetchedFrom.Host)
	}

	username := doc.PreferredUsername
	if username == "" {
		parts := strings.Split(strings.TrimSuffix(id.Path, "/"), "/")
		username = parts[len(parts)-1]
	}

	kind := doc.Type
	if kind == "" {
		kind = "Person"
	}

	return domain.RemoteActor{
		ApID:         doc.ID,
		Username:     username,
		Domain:       id.Hostname(),
		DisplayName:  doc.Name,
		PublicKeyPem: doc.PublicKey.PublicKeyPem,
		Inbox:        doc.Inbox,
		SharedInbox:  doc.Endpoints.SharedInbox,
		Kind:         kind,
		FetchedAt:    time.Now(),
	}, nil
}
