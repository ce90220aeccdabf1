package handler

import (
	"net/http"
	"time"
)

func (api *API) RegisterMetricsApi() {
	api.mux.HandleFunc("/api/flow", api.handleFlow)
	api.mux.HandleFunc("/api/metrics", api.handleMetrics)
}

func (api *API) handleFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJson(w, http.StatusOK, FlowResponse{
		Rate:          api.meter.Rate(),
		WindowSeconds: api.meter.Window().Seconds(),
		At:            time.Now(),
	})
}

func (api *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJson(w, http.StatusOK, api.metrics.GetSnapshot())
}
