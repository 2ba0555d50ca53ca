package wellknown

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/config"
)

type nodeinfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type nodeinfoIndex struct {
	Links []nodeinfoLink `json:"links"`
}

type nodeinfoDocument struct {
	Version           string            `json:"version"`
	Software          nodeinfoSoftware  `json:"software"`
	Protocols         []string          `json:"protocols"`
	Services          nodeinfoServices  `json:"services"`
	OpenRegistrations bool              `json:"openRegistrations"`
	Usage             nodeinfoUsage     `json:"usage"`
	Metadata          map[string]string `json:"metadata"`
}

type nodeinfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type nodeinfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type nodeinfoUsage struct {
	Users nodeinfoUsers `json:"users"`
}

type nodeinfoUsers struct {
	Total int `json:"total"`
}

// NodeinfoIndex serves the discovery document pointing at the schema below.
func NodeinfoIndex(cfg *config.Configuration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := nodeinfoIndex{
			Links: []nodeinfoLink{
				{
					Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
					Href: cfg.Url.JoinPath("nodeinfo", "2.0").String(),
				},
			},
		}
		writeNodeinfo(w, res)
	}
}

func NodeinfoDocument(cfg *config.Configuration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := nodeinfoDocument{
			Version: "2.0",
			Software: nodeinfoSoftware{
				Name:    "agora",
				Version: "1.0.0",
			},
			Protocols: []string{"activitypub"},
			Services: nodeinfoServices{
				Inbound:  []string{},
				Outbound: []string{},
			},
			Metadata: map[string]string{
				"nodeName": cfg.Name,
			},
		}
		writeNodeinfo(w, res)
	}
}

func writeNodeinfo(w http.ResponseWriter, res any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Error().Err(err).Msg("unable to marshal nodeinfo response")
		http.Error(w, "", http.StatusInternalServerError)
	}
}
