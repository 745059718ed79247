package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	lodelib "github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/lode"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/registry"
	"github.com/pithecene-io/spm/serve"
	"github.com/pithecene-io/spm/types"
)

type stubGenerator struct{ sessions []controller.SessionInfo }

func (g stubGenerator) Generate(context.Context, controller.Request) (*controller.Result, error) {
	return nil, errors.New("not used")
}

func (g stubGenerator) Sessions() []controller.SessionInfo { return g.sessions }

type stubPlans struct{ p *plan.Plan }

func (s stubPlans) Current() *plan.Plan { return s.p.Clone() }

type stubNodes []registry.Node

func (s stubNodes) All() []registry.Node { return s }

var created = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.Build(32, []plan.Candidate{
		{ID: "a", Address: "a:7070", MaxLayers: 16},
		{ID: "b", Address: "b:7070", MaxLayers: 16},
	}, 4)
	if err != nil {
		t.Fatal(err)
	}
	p.CreatedAt = created
	return p
}

func newAPI(t *testing.T, p *plan.Plan) *HTTPReader {
	t.Helper()
	collector := metrics.NewCollector("coordinator", "coord")
	collector.IncSessionStarted()
	collector.AddBytesSent(2048)
	srv := serve.New(serve.Config{
		Generator: stubGenerator{sessions: []controller.SessionInfo{
			{ID: "s1", Status: types.SessionActive, Step: 3, Generated: 3, PlanVersion: 4},
		}},
		Plans: stubPlans{p: p},
		Nodes: stubNodes{
			{ID: "a", Address: "a:7070", Status: types.NodeReady, Capacity: registry.Capacity{MaxLayers: 16}},
		},
		Collector: collector,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewHTTPReader(strings.TrimPrefix(ts.URL, "http://"), time.Second)
}

func TestHTTPReader(t *testing.T) {
	r := newAPI(t, testPlan(t))

	p, err := r.Plan(t.Context())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if p.Version != 4 || p.NumStages() != 2 || p.Stages[1].NodeID != "b" {
		t.Errorf("plan = %+v", p)
	}

	nodes, err := r.Nodes(t.Context())
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	if len(nodes) != 1 || nodes[0].Capacity.MaxLayers != 16 {
		t.Errorf("nodes = %+v", nodes)
	}

	sessions, err := r.Sessions(t.Context())
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", sessions)
	}

	snap, err := r.Metrics(t.Context())
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if snap.SessionsStarted != 1 || snap.BytesSent != 2048 {
		t.Errorf("metrics = %+v", snap)
	}

	h, err := r.Health(t.Context())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if h.PlanVersion != 4 || h.NodesReady != 1 || h.Sessions != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestHTTPReader_NoPlan(t *testing.T) {
	r := newAPI(t, nil)
	if _, err := r.Plan(t.Context()); !errors.Is(err, ErrNoPlan) {
		t.Errorf("Plan() error = %v, want ErrNoPlan", err)
	}
}

func TestHTTPReader_StatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"text":"","is_final":true,"error":"boom"}`))
	}))
	defer ts.Close()

	_, err := NewHTTPReader(ts.URL, time.Second).Nodes(t.Context())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusInternalServerError || se.Message != "boom" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestHTTPReader_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	if _, err := NewHTTPReader(url, time.Second).Health(t.Context()); err == nil {
		t.Error("Health() against closed server succeeded")
	}
}

func TestJournalReader(t *testing.T) {
	store := lodelib.NewMemory()
	factory := func() (lodelib.Store, error) { return store, nil }

	j, err := lode.NewJournal(lode.Config{Coordinator: "coord", Now: func() time.Time { return created }}, factory)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.RecordPlan(t.Context(), testPlan(t)); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordSession(t.Context(), lode.SessionRecord{SessionID: "s1", Status: types.SessionCompleted, Tokens: 1500}); err != nil {
		t.Fatal(err)
	}

	r, err := NewJournalReader("", factory, "coord")
	if err != nil {
		t.Fatalf("NewJournalReader() error = %v", err)
	}
	plans, err := r.Plans(t.Context())
	if err != nil {
		t.Fatalf("Plans() error = %v", err)
	}
	items := NewPlanHistory(plans, created.Add(2*time.Hour))
	if len(items) != 1 || items[0].Nodes != "a → b" || items[0].Created != "2 hours ago" {
		t.Errorf("plan history = %+v", items)
	}

	sessions, err := r.Sessions(t.Context())
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	rows := NewSessionHistory(sessions)
	if len(rows) != 1 || rows[0].Tokens != "1,500" {
		t.Errorf("session history = %+v", rows)
	}

	other, err := NewJournalReader("", factory, "elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Plans(t.Context()); !errors.Is(err, lode.ErrNoRecords) {
		t.Errorf("Plans() for other coordinator error = %v, want ErrNoRecords", err)
	}
}

func TestNewPlanView(t *testing.T) {
	v := NewPlanView(testPlan(t), created.Add(time.Minute))
	if v.Version != 4 || v.TotalLayers != 32 || v.Age != "1 minute ago" {
		t.Errorf("view = %+v", v)
	}
	want := []StageRow{
		{Stage: 0, Layers: "[0, 16)", Count: 16, Node: "a", Address: "a:7070"},
		{Stage: 1, Layers: "[16, 32)", Count: 16, Node: "b", Address: "b:7070"},
	}
	for i, row := range want {
		if v.Stages[i] != row {
			t.Errorf("stage %d = %+v, want %+v", i, v.Stages[i], row)
		}
	}
}

func TestNewMetricsView(t *testing.T) {
	v := NewMetricsView(metrics.Snapshot{BytesSent: 1_500_000, TokensGenerated: 7, Role: "coordinator"})
	if v.BytesSent != "1.5 MB" || v.BytesReceived != "0 B" || v.TokensGenerated != 7 {
		t.Errorf("view = %+v", v)
	}
}
