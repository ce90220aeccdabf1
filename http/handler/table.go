package handler

import (
	"net/http"
	"strings"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/scan"
)

func (api *API) RegisterTableApi() {
	api.mux.HandleFunc("/api/table", api.handleTable)
	api.mux.HandleFunc("/api/history", api.handleHistory)
	api.mux.HandleFunc("/api/rounds", api.handleRounds)
	api.mux.HandleFunc("/api/scan", api.handleScan)
}

func (api *API) handleTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rows := api.table.Snapshot()
	if rows == nil {
		rows = []addrtable.Row{}
	}
	resp := TableResponse{Entries: rows}
	if api.scanner != nil {
		resp.ScanDomains = api.scanner.Domains()
		present := make(map[string]bool, len(rows))
		for _, row := range rows {
			present[strings.ToLower(row.Domain)] = true
		}
		for _, d := range resp.ScanDomains {
			if !present[strings.ToLower(d)] {
				resp.Missing = append(resp.Missing, d)
			}
		}
	}
	writeJson(w, http.StatusOK, resp)
}

// handleHistory returns summaries for all tracked pairs, or for one domain
// with ?domain=. Adding &address= includes that pair's raw samples.
func (api *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	domain := strings.ToLower(r.URL.Query().Get("domain"))
	resp := HistoryResponse{Domain: domain, Summaries: api.histories.Summaries(domain)}

	addr, ok, err := parseAddrParam(r, "address")
	if err != nil {
		writeJson(w, http.StatusBadRequest, ErrorResponse{Error: "invalid address: " + err.Error()})
		return
	}
	if ok {
		if domain == "" {
			writeJson(w, http.StatusBadRequest, ErrorResponse{Error: "address requires domain"})
			return
		}
		h, found := api.histories.Lookup(domain, addr)
		if !found {
			writeJson(w, http.StatusNotFound, ErrorResponse{Error: "no history for " + domain + " " + addr.String()})
			return
		}
		resp.Samples = h.Samples()
	}
	if resp.Summaries == nil {
		resp.Summaries = []scan.Summary{}
	}
	writeJson(w, http.StatusOK, resp)
}

func (api *API) handleRounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var resp RoundsResponse
	if api.scanner != nil {
		resp.Rounds = api.scanner.Rounds()
	}
	if resp.Rounds == nil {
		resp.Rounds = []scan.Round{}
	}
	writeJson(w, http.StatusOK, resp)
}

func (api *API) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if api.scanner == nil {
		writeJson(w, http.StatusServiceUnavailable, ScanTriggerResponse{Message: "scanner not running"})
		return
	}
	if !api.scanner.Trigger() {
		writeJson(w, http.StatusConflict, ScanTriggerResponse{Message: "a scan round is already pending"})
		return
	}
	log.Infof("Scan round requested from %s", r.RemoteAddr)
	api.metrics.RecordEvent("info", "scan round requested via API")
	writeJson(w, http.StatusAccepted, ScanTriggerResponse{Success: true, Message: "scan round scheduled"})
}
