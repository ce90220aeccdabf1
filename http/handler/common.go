package handler

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/config"
	"github.com/ghaccel/ghaccel/flow"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/metrics"
	"github.com/ghaccel/ghaccel/scan"
)

// Scanner is the part of scan.Scanner the API reports on.
type Scanner interface {
	Trigger() bool
	Rounds() []scan.Round
	Domains() []string
}

type API struct {
	cfg       *config.Config
	mux       *http.ServeMux
	table     *addrtable.Table
	histories *scan.HistoryStore
	scanner   Scanner
	meter     *flow.Meter
	metrics   *metrics.Collector
	version   VersionInfo
}

// Deps groups what the API reads from.
type Deps struct {
	Config    *config.Config
	Table     *addrtable.Table
	Histories *scan.HistoryStore
	Scanner   Scanner
	Meter     *flow.Meter
	Metrics   *metrics.Collector
	Version   VersionInfo
}

func NewAPIHandler(d Deps) *API {
	return &API{
		cfg:       d.Config,
		table:     d.Table,
		histories: d.Histories,
		scanner:   d.Scanner,
		meter:     d.Meter,
		metrics:   d.Metrics,
		version:   d.Version,
	}
}

func (api *API) RegisterEndpoints(mux *http.ServeMux) {
	api.mux = mux

	api.RegisterTableApi()
	api.RegisterMetricsApi()
	api.RegisterConfigApi()
	api.RegisterVersionApi()
}

func setJsonHeader(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
}

func writeJson(w http.ResponseWriter, status int, v any) {
	setJsonHeader(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Tracef("api: encode response: %v", err)
	}
}

func parseAddrParam(r *http.Request, name string) (netip.Addr, bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return netip.Addr{}, false, nil
	}
	a, err := netip.ParseAddr(s)
	return a, err == nil, err
}
