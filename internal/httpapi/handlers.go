package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openreplicator/agreement-engine/internal/agreement"
)

// summary is the list-view representation of an agreement, spec §6's
// "agreement identities + enabled/in-progress flags".
type summary struct {
	DN               string `json:"dn"`
	RDN              string `json:"rdn"`
	LongName         string `json:"long_name"`
	Enabled          bool   `json:"enabled"`
	UpdateInProgress bool   `json:"update_in_progress"`
	StopInProgress   bool   `json:"stop_in_progress"`
}

// detail is the full getter snapshot for a single agreement.
type detail struct {
	summary
	RemoteHost        string                    `json:"remote_host"`
	RemotePort        int                       `json:"remote_port"`
	ReplicatedSubtree string                    `json:"replicated_subtree"`
	ConsumerRID       uint16                    `json:"consumer_rid"`
	ConsumerRIDIsTent bool                      `json:"consumer_rid_tentative"`
	AgreementMaxcsn   string                    `json:"agreement_maxcsn"`
	ChangeCounters    string                    `json:"change_counters"`
	LastUpdate        string                    `json:"last_update_status"`
	LastInit          string                    `json:"last_init_status"`
	FractionalAttrs   []string                  `json:"fractional_attrs"`
}

func toSummary(a *agreement.Agreement) summary {
	return summary{
		DN:               a.Identity().DN,
		RDN:              a.Identity().RDN,
		LongName:         a.GetLongName(),
		Enabled:          a.GetEnabled(),
		UpdateInProgress: a.UpdateInProgress(),
		StopInProgress:   a.StopInProgress(),
	}
}

func toDetail(a *agreement.Agreement) detail {
	rid, tentative := a.GetConsumerRID()
	last := a.GetLastUpdate()
	lastInit := a.GetLastInit()
	return detail{
		summary:           toSummary(a),
		RemoteHost:        a.GetRemoteHost(),
		RemotePort:        a.GetRemotePort(),
		ReplicatedSubtree: a.ReplicatedSubtree(),
		ConsumerRID:       rid,
		ConsumerRIDIsTent: tentative,
		AgreementMaxcsn:   a.GetAgreementMaxcsn(),
		ChangeCounters:    a.RenderChangeCounters(),
		LastUpdate:        last.JSON,
		LastInit:          lastInit.JSON,
		FractionalAttrs:   a.GetFractionalAttrs(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make([]summary, 0, len(all))
	for _, a := range all {
		out = append(out, toSummary(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*agreement.Agreement, bool) {
	id := mux.Vars(r)["id"]
	a, ok := s.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agreement not found"})
		return nil, false
	}
	return a, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDetail(a))
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.controller.SetEnabled(r.Context(), a, true); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toSummary(a))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.controller.SetEnabled(r.Context(), a, false); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toSummary(a))
}

// handleReplicateNow is the documented no-op of spec §9: "replicate now"
// has no pure-Go effect here because the protocol worker that would
// actually force a session is an out-of-scope collaborator. It still
// validates the agreement exists, and returns 202 to signal "accepted,
// nothing to do locally".
func (s *Server) handleReplicateNow(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "no-op"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type component struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	resp := struct {
		Postgres component `json:"postgres"`
		Redis    component `json:"redis"`
	}{}

	ctx := r.Context()
	healthy := true

	if s.postgres != nil {
		if err := s.postgres.Ping(ctx); err != nil {
			resp.Postgres = component{OK: false, Error: err.Error()}
			healthy = false
		} else {
			resp.Postgres = component{OK: true}
		}
	} else {
		resp.Postgres = component{OK: true}
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			resp.Redis = component{OK: false, Error: err.Error()}
			healthy = false
		} else {
			resp.Redis = component{OK: true}
		}
	} else {
		resp.Redis = component{OK: true}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
