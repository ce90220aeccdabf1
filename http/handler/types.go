package handler

import (
	"time"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/flow"
	"github.com/ghaccel/ghaccel/scan"
)

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

type TableResponse struct {
	Entries     []addrtable.Row `json:"entries"`
	ScanDomains []string        `json:"scan_domains"`
	Missing     []string        `json:"missing,omitempty"`
}

type HistoryResponse struct {
	Domain    string         `json:"domain,omitempty"`
	Summaries []scan.Summary `json:"summaries"`
	Samples   []scan.Sample  `json:"samples,omitempty"`
}

type RoundsResponse struct {
	Rounds []scan.Round `json:"rounds"`
}

type ScanTriggerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type FlowResponse struct {
	flow.Rate
	WindowSeconds float64   `json:"window_seconds"`
	At            time.Time `json:"at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
