package inbox

import (
	"encoding/json"
	"errors"
	"time"
)

var errMalformed = errors.New("malformed activity")

// Activity is the envelope of an inbound federated activity. Object is kept
// raw until the type switch decides whether it is an IRI string or an
// embedded object.
type Activity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
	Target string          `json:"target"`
	// Content carries the report text on Flag activities.
	Content string `json:"content"`
}

// Object is the embedded object of a Create, Update, Undo, Accept or Reject.
type Object struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Actor        string `json:"actor"`
	AttributedTo string `json:"attributedTo"`
	InReplyTo    string `json:"inReplyTo"`
	Name         string `json:"name"`
	Content      string `json:"content"`
	Published    string `json:"published"`
	// Object is the inner target IRI when the embedded object is itself an
	// activity, as in Undo(Follow) or Accept(Follow).
	Object string `json:"object"`
}

func parseActivity(body []byte) (Activity, error) {
	var act Activity
	if err := json.Unmarshal(body, &act); err != nil {
		return act, err
	}
	if act.Type == "" || act.Actor == "" {
		return act, errMalformed
	}
	return act, nil
}

// objectIRI extracts the object reference, which federated software sends
// either as a bare IRI string or as an embedded object with an id.
func (a Activity) objectIRI() string {
	if len(a.Object) == 0 {
		return ""
	}
	var iri string
	if err := json.Unmarshal(a.Object, &iri); err == nil {
		return iri
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// embeddedObject parses the object as a full embedded object. A bare IRI
// string yields an Object with only the ID set.
func (a Activity) embeddedObject() (Object, error) {
	if len(a.Object) == 0 {
		return Object{}, errMalformed
	}
	var iri string
	if err := json.Unmarshal(a.Object, &iri); err == nil {
		return Object{ID: iri}, nil
	}
	var obj Object
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return obj, err
	}
	return obj, nil
}

// publishedAt parses the object's published timestamp, falling back to now
// for objects that omit it.
func (o Object) publishedAt() time.Time {
	if t, err := time.Parse(time.RFC3339, o.Published); err == nil {
		return t
	}
	return time.Now()
}
