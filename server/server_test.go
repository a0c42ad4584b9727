package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/engine"
	"github.com/jonwraymond/ruleops/evaluator"
	"github.com/jonwraymond/ruleops/health"
	"github.com/jonwraymond/ruleops/loader"
	"github.com/jonwraymond/ruleops/resilience"
	"github.com/jonwraymond/ruleops/version"
)

type fixture struct {
	root     string
	rules    *cache.RuleCache
	versions *version.Manager
	srv      *httptest.Server
}

func writeRule(t *testing.T, root, id, content, meta string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, id+".json"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if meta != "" {
		if err := os.WriteFile(filepath.Join(root, id+".meta.yaml"), []byte(meta), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	writeRule(t, root, "large", `{"expression": "amount > 100"}`, "version: 1.0.0\ntags: [billing]\n")
	writeRule(t, root, "foreign", `country != "US"`, "version: 1.0.0\ntags: [billing, geo]\n")
	writeRule(t, root, "broken", `items[5] > 0`, "version: 1.0.0\n")

	ld, err := loader.NewFileLoader(loader.FileConfig{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	rc := cache.NewRuleCache(cache.RuleCacheConfig{MaxSize: 100})
	vm := version.NewManager(rc, ld, version.Config{})
	if err := vm.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	svc := resilience.NewService(resilience.ServiceConfig{
		Retry:    resilience.RetryConfig{MaxAttempts: 1},
		Bulkhead: &resilience.BulkheadConfig{MaxConcurrent: 4},
	})
	eng, err := engine.New(rc, evaluator.New(evaluator.Config{}), engine.Config{Resilience: svc})
	if err != nil {
		t.Fatal(err)
	}

	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register("rules", health.NewRuleCacheChecker(rc, 1))

	s, err := New(eng, vm, Config{Health: agg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{root: root, rules: rc, versions: vm, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, b
}

func decodeInto(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, Config{}); err != ErrNilEngine {
		t.Errorf("New(nil engine) error = %v", err)
	}
}

func TestExecute(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/execute", `{
		"selector": {"tags": ["billing"], "mode": {"type": "parallel"}},
		"input": {"amount": 250, "country": "DE"}
	}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	var res ResultResponse
	decodeInto(t, body, &res)
	if res.ExecutionID == "" {
		t.Error("execution_id is empty")
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %v, want large and foreign", res.Results)
	}
	for _, id := range []string{"large", "foreign"} {
		if v, ok := res.Results[id]; !ok || v.Any() != true {
			t.Errorf("results[%s] = %v, want true", id, v)
		}
	}
	if res.Plan == nil || len(res.Plan.RuleIDs) != 2 {
		t.Errorf("plan = %+v", res.Plan)
	}
}

func TestExecute_RuleErrorsAreReported(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/execute", `{
		"selector": {"ids": ["large", "broken"], "mode": {"type": "sequential"}},
		"input": {"amount": 5, "items": []}
	}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	var res ResultResponse
	decodeInto(t, body, &res)
	if _, ok := res.Errors["broken"]; !ok {
		t.Errorf("errors = %v, want broken", res.Errors)
	}
	if v := res.Results["large"]; v.Any() != false {
		t.Errorf("large = %v, want false", v)
	}
}

func TestExecute_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"selector":`, http.StatusBadRequest},
		{"unknown field", `{"selecter": {}}`, http.StatusBadRequest},
		{"invalid selector", `{"selector": {"mode": {"type": "parallel"}}}`, http.StatusBadRequest},
		{"unknown mode", `{"selector": {"ids": ["large"], "mode": {"type": "sideways"}}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, "/v1/execute", tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d (%s)", status, tt.want, body)
			}
			var er ErrorResponse
			decodeInto(t, body, &er)
			if er.Code == "" || er.RequestID == "" {
				t.Errorf("error response = %+v", er)
			}
		})
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/batch", `{
		"ids": ["large"],
		"inputs": [{"amount": 1}, {"amount": 1000}]
	}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	var br BatchResponse
	decodeInto(t, body, &br)
	if len(br.Items) != 2 {
		t.Fatalf("items = %d", len(br.Items))
	}
	if br.Items[0].Results["large"].Any() != false || br.Items[1].Results["large"].Any() != true {
		t.Errorf("items = %+v", br.Items)
	}

	if status, _ := f.do(t, http.MethodPost, "/v1/batch", `{"inputs": [{}]}`); status != http.StatusBadRequest {
		t.Errorf("batch without ids status = %d", status)
	}
}

func TestRules(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/v1/rules?tag=geo", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var list RulesResponse
	decodeInto(t, body, &list)
	if len(list.Rules) != 1 || list.Rules[0].ID != "foreign" {
		t.Errorf("rules = %+v, want foreign", list.Rules)
	}

	status, body = f.do(t, http.MethodGet, "/v1/rules/large", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var rule RuleResponse
	decodeInto(t, body, &rule)
	if rule.Metadata.Version != "1.0.0" || !strings.Contains(rule.Content, "amount > 100") {
		t.Errorf("rule = %+v", rule)
	}

	status, body = f.do(t, http.MethodGet, "/v1/rules/ghost", "")
	if status != http.StatusNotFound {
		t.Errorf("missing rule status = %d", status)
	}
	var er ErrorResponse
	decodeInto(t, body, &er)
	if er.RuleID != "ghost" || er.Code != CodeNotFound {
		t.Errorf("error = %+v", er)
	}
}

func TestRefreshAndRollback(t *testing.T) {
	f := newFixture(t)
	writeRule(t, f.root, "large", `{"expression": "amount > 500"}`, "version: 1.1.0\ntags: [billing]\n")

	status, body := f.do(t, http.MethodGet, "/v1/versions?id=large", "")
	if status != http.StatusOK || !bytes.Contains(body, []byte(`"needs_update":true`)) {
		t.Fatalf("versions status = %d, body %s", status, body)
	}

	status, body = f.do(t, http.MethodPost, "/v1/rules/refresh", "")
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", status, body)
	}
	var rr RefreshResponse
	decodeInto(t, body, &rr)
	if len(rr.Refreshed) != 1 || rr.Refreshed[0] != "large" {
		t.Errorf("refreshed = %v, want [large]", rr.Refreshed)
	}
	if meta, _ := f.rules.Metadata("large"); meta.Version != "1.1.0" {
		t.Errorf("cached version = %s after refresh", meta.Version)
	}

	status, body = f.do(t, http.MethodGet, "/v1/rules/large/snapshots", "")
	if status != http.StatusOK || !bytes.Contains(body, []byte(`"version":"1.0.0"`)) {
		t.Errorf("snapshots status = %d, body %s", status, body)
	}

	if status, body = f.do(t, http.MethodPost, "/v1/rules/large/rollback", ""); status != http.StatusOK {
		t.Fatalf("rollback status = %d, body %s", status, body)
	}
	if meta, _ := f.rules.Metadata("large"); meta.Version != "1.0.0" {
		t.Errorf("cached version = %s after rollback", meta.Version)
	}
	if status, _ = f.do(t, http.MethodPost, "/v1/rules/large/rollback", `{"index": 0}`); status != http.StatusOK {
		t.Errorf("undo rollback status = %d, want 200", status)
	}
	if meta, _ := f.rules.Metadata("large"); meta.Version != "1.1.0" {
		t.Errorf("cached version = %s after undoing the rollback", meta.Version)
	}
	if status, _ = f.do(t, http.MethodPost, "/v1/rules/large/rollback", `{"index": 3}`); status != http.StatusNotFound {
		t.Errorf("rollback of a missing snapshot status = %d, want 404", status)
	}
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/rules/invalidate", `{"ids": ["foreign"]}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if _, ok := f.rules.Metadata("foreign"); ok {
		t.Error("foreign still cached")
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/rules/invalidate", `{}`); status != http.StatusBadRequest {
		t.Errorf("empty invalidate status = %d", status)
	}
}

func TestBreakers(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/execute", `{"selector": {"ids": ["large"], "mode": {"type": "parallel"}}, "input": {"amount": 1}}`)

	status, body := f.do(t, http.MethodGet, "/v1/breakers", "")
	if status != http.StatusOK || !bytes.Contains(body, []byte(`"state":"closed"`)) {
		t.Fatalf("breakers status = %d, body %s", status, body)
	}
	status, body = f.do(t, http.MethodGet, "/v1/bulkheads", "")
	if status != http.StatusOK || !bytes.Contains(body, []byte(`"rule:large":{"name":"rule:large","max_concurrent":4`)) ||
		!bytes.Contains(body, []byte(`"admitted":1`)) {
		t.Errorf("bulkheads status = %d, body %s", status, body)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/breakers/nope/reset", ""); status != http.StatusNotFound {
		t.Errorf("unknown breaker reset status = %d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/breakers/reset", ""); status != http.StatusNoContent {
		t.Errorf("reset all status = %d", status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	if status, _ := f.do(t, http.MethodGet, "/readyz", ""); status != http.StatusOK {
		t.Errorf("readyz status = %d", status)
	}
	f.do(t, http.MethodGet, "/v1/rules", "")

	status, body := f.do(t, http.MethodGet, "/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	for _, want := range []string{"ruleops_http_requests_total", "ruleops_cached_rules 3"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
