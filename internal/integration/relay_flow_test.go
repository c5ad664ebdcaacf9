package integration

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tv-mt5-auto/internal/broker"
	"tv-mt5-auto/internal/execution"
	"tv-mt5-auto/internal/hub"
	"tv-mt5-auto/internal/reconcile"
	"tv-mt5-auto/internal/relay"
	"tv-mt5-auto/internal/resolve"
)

const agentKey = "itest-key"

type harness struct {
	store *hub.Store
	hub   *httptest.Server
	sim   *broker.Sim
	loop  *relay.Loop
	logs  *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := hub.Open(filepath.Join(t.TempDir(), "signals.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	srv := httptest.NewServer(hub.NewServer(store, "", agentKey, logger).Handler())
	t.Cleanup(srv.Close)

	sim := broker.NewSim()
	sim.AddSymbol(broker.SymbolInfo{Name: "NAS100.m", Step: 0.1, MinLot: 0.1, MaxLot: 50, Digits: 2, Tradable: true})

	table := resolve.Table{Aliases: map[string][]string{"NQ1!": {"NAS100"}}}
	resolver := resolve.New(sim, sim, table, logger)
	exec := execution.New(sim, nil, execution.Config{}, logger)
	agent := relay.NewAgent(resolver, sim, exec, reconcile.Policy{EntryLot: 1}, logger)

	client := relay.NewClient(srv.URL, agentKey, logger)
	loop := relay.NewLoop(client, agent, time.Second, 10, logger)

	return &harness{store: store, hub: srv, sim: sim, loop: loop, logs: &buf}
}

func (h *harness) post(t *testing.T, payload string) {
	t.Helper()
	resp, err := http.Post(h.hub.URL+"/webhook", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("webhook post returned error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", resp.StatusCode)
	}
}

func (h *harness) counts(t *testing.T) map[string]int {
	t.Helper()
	stats, err := h.store.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus returned error: %v", err)
	}
	return stats
}

func TestWebhookToFill(t *testing.T) {
	h := newHarness(t)

	h.post(t, `{"ticker":"NQ1!","action":"buy","contracts":"2","market_position":"long","pos_after":"2"}`)
	h.loop.RunOnce(context.Background())

	long, short := h.sim.Volumes("NAS100.m")
	if long != 1 || short != 0 {
		t.Fatalf("expected entry-lot long fill, got long=%v short=%v", long, short)
	}
	stats := h.counts(t)
	if stats[hub.StatusDone] != 1 || stats[hub.StatusQueued] != 0 {
		t.Fatalf("unexpected queue stats: %+v", stats)
	}
	if !strings.Contains(h.logs.String(), "signal classified") {
		t.Fatalf("expected classification log, got %s", h.logs.String())
	}
}

func TestReversalThenExit(t *testing.T) {
	h := newHarness(t)
	h.sim.Seed("NAS100.m", broker.Long, 1.5)

	h.post(t, `{"ticker":"NAS100","action":"sell","contracts":"1","market_position":"short","pos_after":"1"}`)
	h.loop.RunOnce(context.Background())

	long, short := h.sim.Volumes("NAS100.m")
	if long != 0 || short != 1 {
		t.Fatalf("expected reversal to short 1, got long=%v short=%v", long, short)
	}

	h.post(t, `{"ticker":"NAS100","action":"sell","market_position":"flat","pos_after":"0"}`)
	h.loop.RunOnce(context.Background())

	long, short = h.sim.Volumes("NAS100.m")
	if long != 0 || short != 0 {
		t.Fatalf("expected flat book, got long=%v short=%v", long, short)
	}
	if stats := h.counts(t); stats[hub.StatusDone] != 2 {
		t.Fatalf("unexpected queue stats: %+v", stats)
	}
}

func TestRedeliveredExitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.sim.Seed("NAS100.m", broker.Long, 1)

	exit := `{"ticker":"NAS100","action":"close_all","market_position":"flat","pos_after":"0"}`
	h.post(t, exit)
	h.post(t, exit)
	h.loop.RunOnce(context.Background())

	long, short := h.sim.Volumes("NAS100.m")
	if long != 0 || short != 0 {
		t.Fatalf("expected flat book after duplicate exits, got long=%v short=%v", long, short)
	}
	if stats := h.counts(t); stats[hub.StatusDone] != 2 || stats[hub.StatusFailed] != 0 {
		t.Fatalf("unexpected queue stats: %+v", stats)
	}
}

func TestMalformedSignalAckedFailed(t *testing.T) {
	h := newHarness(t)

	h.post(t, `{"note":"no actionable fields"}`)
	h.post(t, `{"ticker":"NAS100","action":"buy","market_position":"long","pos_after":"1"}`)
	h.loop.RunOnce(context.Background())

	stats := h.counts(t)
	if stats[hub.StatusFailed] != 1 || stats[hub.StatusDone] != 1 {
		t.Fatalf("expected one failed and one done, got %+v", stats)
	}
	long, _ := h.sim.Volumes("NAS100.m")
	if long != 1 {
		t.Fatalf("expected valid signal to still fill, got long=%v", long)
	}
}
