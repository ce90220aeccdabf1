package handler

import (
	"net/http"
)

func (api *API) RegisterConfigApi() {
	api.mux.HandleFunc("/api/config", api.handleConfig)
}

func (api *API) RegisterVersionApi() {
	api.mux.HandleFunc("/api/version", api.handleVersion)
}

// handleConfig returns the effective configuration. The SOCKS5 password is
// never echoed back.
func (api *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := *api.cfg
	if cfg.System.Socks5.Password != "" {
		cfg.System.Socks5.Password = "********"
	}
	writeJson(w, http.StatusOK, &cfg)
}

func (api *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJson(w, http.StatusOK, api.version)
}
