package app

import (
	nethttp "net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/searchktools/fast-reactor/core/balancer"
)

// upstreamStatus is the admin view of one load balancer candidate
type upstreamStatus struct {
	Addr          string     `json:"addr"`
	Weight        int        `json:"weight"`
	Down          bool       `json:"down"`
	Overload      bool       `json:"overload"`
	Backlog       int        `json:"backlog"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

func writeUpstreams(w nethttp.ResponseWriter, candidates []balancer.WebServerProfile) {
	out := make([]upstreamStatus, 0, len(candidates))
	for _, c := range candidates {
		s := upstreamStatus{
			Addr:     c.Addr(),
			Weight:   c.Weight,
			Down:     c.Down,
			Overload: c.Overload,
			Backlog:  c.Backlog,
		}
		if !c.LastHeartbeat.IsZero() {
			hb := c.LastHeartbeat
			s.LastHeartbeat = &hb
		}
		out = append(out, s)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		nethttp.Error(w, err.Error(), nethttp.StatusInternalServerError)
	}
}
