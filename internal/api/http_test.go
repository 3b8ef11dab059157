package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"volarbiter/internal/api"
	"volarbiter/internal/events"
	"volarbiter/internal/model"
	"volarbiter/internal/obs"
)

type testEnv struct {
	srv *httptest.Server
	arb *model.Arbiter
	hub *events.Hub
}

func newEnv(t *testing.T, auth *api.Authenticator) *testEnv {
	t.Helper()
	ctx := context.Background()
	hub := events.NewHub(32)
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	a, err := model.NewArbiter(ctx, "shared-data", nil, model.Options{Notifier: hub, Metrics: metrics})
	if err != nil {
		t.Fatalf("arbiter: %v", err)
	}
	registry, err := model.NewRegistry(a)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	s := api.NewServer(registry, api.Options{
		Hub:     hub,
		Auth:    auth,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, arb: a, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rsp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer rsp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(rsp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s (%d): %v", method, path, rsp.StatusCode, err)
		}
	}
	return rsp
}

type grant struct {
	Volume       string `json:"volume"`
	Role         string `json:"role"`
	LeaseID      string `json:"lease_id"`
	FencingToken int64  `json:"fencing_token"`
}

type apiErr struct {
	Error            string `json:"error"`
	Reason           string `json:"reason"`
	Holder           string `json:"holder"`
	Transferring     bool   `json:"transferring"`
	RecommendedRetry int64  `json:"recommended_retry_ms"`
}

type status struct {
	Volume  string `json:"volume"`
	Phase   string `json:"phase"`
	State   string `json:"state"`
	Holder  string `json:"holder"`
	Version int64  `json:"version"`
}

func TestAcquireReleaseOverHTTP(t *testing.T) {
	env := newEnv(t, nil)

	var g grant
	rsp := env.do(t, http.MethodPost, "/v1/volumes/shared-data/acquire", "", map[string]string{"role": "producer"}, &g)
	if rsp.StatusCode != http.StatusOK {
		t.Fatalf("acquire status = %d", rsp.StatusCode)
	}
	if rsp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
	if g.Role != "producer" || g.LeaseID == "" || g.FencingToken != 1 || g.Volume != "shared-data" {
		t.Fatalf("grant = %+v", g)
	}

	var e apiErr
	rsp = env.do(t, http.MethodPost, "/v1/volumes/shared-data/acquire", "", map[string]string{"role": "consumer"}, &e)
	if rsp.StatusCode != http.StatusConflict || e.Reason != "HELD" || e.Holder != "producer" || e.RecommendedRetry <= 0 {
		t.Fatalf("second acquire = %d %+v", rsp.StatusCode, e)
	}

	var st status
	env.do(t, http.MethodGet, "/v1/volumes/shared-data", "", nil, &st)
	if st.State != "HeldBy(producer)" || st.Phase != "held" || st.Holder != "producer" {
		t.Fatalf("status = %+v", st)
	}

	rel := map[string]interface{}{"role": g.Role, "lease_id": g.LeaseID, "fencing_token": g.FencingToken}
	rsp = env.do(t, http.MethodPost, "/v1/volumes/shared-data/release", "", rel, nil)
	if rsp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d", rsp.StatusCode)
	}
	e = apiErr{}
	rsp = env.do(t, http.MethodPost, "/v1/volumes/shared-data/release", "", rel, &e)
	if rsp.StatusCode != http.StatusConflict || e.Reason != "INVALID_GRANT" {
		t.Fatalf("double release = %d %+v", rsp.StatusCode, e)
	}
}

func TestTransferOverHTTP(t *testing.T) {
	env := newEnv(t, nil)

	var e apiErr
	rsp := env.do(t, http.MethodPost, "/v1/volumes/shared-data/transfer", "", map[string]string{"from": "producer", "to": "consumer"}, &e)
	if rsp.StatusCode != http.StatusConflict || e.Reason != "NOT_HOLDER" {
		t.Fatalf("transfer from unclaimed = %d %+v", rsp.StatusCode, e)
	}

	env.do(t, http.MethodPost, "/v1/volumes/shared-data/acquire", "", map[string]string{"role": "producer"}, nil)

	e = apiErr{}
	rsp = env.do(t, http.MethodPost, "/v1/volumes/shared-data/transfer", "", map[string]string{"from": "producer", "to": "producer"}, &e)
	if rsp.StatusCode != http.StatusConflict || e.Reason != "TARGET_BUSY" {
		t.Fatalf("transfer to self = %d %+v", rsp.StatusCode, e)
	}

	var g grant
	rsp = env.do(t, http.MethodPost, "/v1/volumes/shared-data/transfer", "", map[string]string{"from": "producer", "to": "consumer"}, &g)
	if rsp.StatusCode != http.StatusOK || g.Role != "consumer" || g.FencingToken != 2 {
		t.Fatalf("transfer = %d %+v", rsp.StatusCode, g)
	}

	var list struct {
		Volumes []status `json:"volumes"`
	}
	env.do(t, http.MethodGet, "/v1/volumes", "", nil, &list)
	if len(list.Volumes) != 1 || list.Volumes[0].State != "HeldBy(consumer)" {
		t.Fatalf("list = %+v", list)
	}
}

func TestBadRequests(t *testing.T) {
	env := newEnv(t, nil)
	cases := []struct {
		method, path string
		body         interface{}
		want         int
	}{
		{http.MethodPost, "/v1/volumes/shared-data/acquire", map[string]string{"role": "admin"}, http.StatusBadRequest},
		{http.MethodPost, "/v1/volumes/shared-data/acquire", map[string]string{"owner": "x"}, http.StatusBadRequest},
		{http.MethodPost, "/v1/volumes/shared-data/release", map[string]interface{}{"role": "producer"}, http.StatusBadRequest},
		{http.MethodPost, "/v1/volumes/nope/acquire", map[string]string{"role": "producer"}, http.StatusNotFound},
		{http.MethodGet, "/v1/volumes/nope", nil, http.StatusNotFound},
		{http.MethodPost, "/v1/volumes/shared-data/explode", map[string]string{}, http.StatusNotFound},
		{http.MethodGet, "/v1/volumes/shared-data/history?limit=0", nil, http.StatusBadRequest},
		{http.MethodDelete, "/v1/volumes/shared-data", nil, http.StatusMethodNotAllowed},
	}
	for _, c := range cases {
		rsp := env.do(t, c.method, c.path, "", c.body, nil)
		if rsp.StatusCode != c.want {
			t.Errorf("%s %s = %d, want %d", c.method, c.path, rsp.StatusCode, c.want)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newEnv(t, nil)
	env.do(t, http.MethodPost, "/v1/volumes/shared-data/acquire", "", map[string]string{"role": "consumer"}, nil)

	var h map[string]string
	if rsp := env.do(t, http.MethodGet, "/healthz", "", nil, &h); rsp.StatusCode != http.StatusOK || h["status"] != "ok" {
		t.Fatalf("healthz = %d %v", rsp.StatusCode, h)
	}

	rsp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer rsp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(rsp.Body)
	for _, want := range []string{
		`arbiter_acquire_total{result="success"} 1`,
		`arbiter_volume_held{role="consumer",volume="shared-data"} 1`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestHealthReportsDependencyFailure(t *testing.T) {
	a, _ := model.NewArbiter(context.Background(), "v", nil, model.Options{})
	reg, _ := model.NewRegistry(a)
	s := api.NewServer(reg, api.Options{Health: func(context.Context) error { return errors.New("redis down") }})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis down") {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestHistoryOverHTTPWithoutStore(t *testing.T) {
	env := newEnv(t, nil)
	var h struct {
		Volume      string            `json:"volume"`
		Transitions []json.RawMessage `json:"transitions"`
	}
	rsp := env.do(t, http.MethodGet, "/v1/volumes/shared-data/history?limit=5", "", nil, &h)
	if rsp.StatusCode != http.StatusOK || h.Volume != "shared-data" || len(h.Transitions) != 0 {
		t.Fatalf("history = %d %+v", rsp.StatusCode, h)
	}
}

func TestEventStream(t *testing.T) {
	env := newEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/volumes/shared-data/events", nil)
	rsp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer rsp.Body.Close()
	if ct := rsp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(rsp.Body)
	next := func() (event, data string) {
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return "", ""
	}

	if ev, _ := next(); ev != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", ev)
	}

	// The subscription exists once the snapshot was sent.
	if _, err := env.arb.Acquire(context.Background(), model.RoleProducer); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ev, data := next()
	if ev != string(events.TypeAcquired) {
		t.Fatalf("event = %q", ev)
	}
	got, err := events.Decode([]byte(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Role != "producer" || got.State != "HeldBy(producer)" {
		t.Fatalf("payload = %+v", got)
	}
}

func ExampleServer() {
	a, _ := model.NewArbiter(context.Background(), "shared-data", nil, model.Options{})
	reg, _ := model.NewRegistry(a)
	srv := httptest.NewServer(api.NewServer(reg, api.Options{}).Handler())
	defer srv.Close()

	rsp, err := http.Post(srv.URL+"/v1/volumes/shared-data/acquire", "application/json", strings.NewReader(`{"role":"producer"}`))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer rsp.Body.Close()
	fmt.Println(rsp.StatusCode)
	// Output: 200
}
