package http

import (
	stdhttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/config"
	"github.com/ghaccel/ghaccel/flow"
	"github.com/ghaccel/ghaccel/http/handler"
	"github.com/ghaccel/ghaccel/metrics"
	"github.com/ghaccel/ghaccel/scan"
)

func testHandler() stdhttp.Handler {
	cfg := config.NewConfig()
	meter := flow.NewMeter()
	mc := metrics.NewCollector(meter)
	api := handler.NewAPIHandler(handler.Deps{
		Config:    &cfg,
		Table:     addrtable.New(0),
		Histories: scan.NewHistoryStore(4),
		Meter:     meter,
		Metrics:   mc,
	})
	return NewHandler(api, nil, mc)
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(stdhttp.MethodOptions, "/api/table", nil))
	if rec.Code != stdhttp.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestRoutesAPI(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().ServeHTTP(rec, httptest.NewRequest(stdhttp.MethodGet, "/api/version", nil))
	if rec.Code != stdhttp.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDisabledServer(t *testing.T) {
	cfg := config.NewConfig()
	cfg.System.WebServer.Port = 0
	srv, err := StartServer(&cfg, nil, nil, nil)
	if srv != nil || err != nil {
		t.Errorf("StartServer = %v, %v", srv, err)
	}
}
