package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncExecutionStarted("wf")
	m.IncExecutionFinished("wf", "COMPLETED")
	m.IncStepAttempt("wf", "step", "ok")
	m.IncReady("wake")
	m.SetConnections(1)
	m.IncPush("new_message", true)
	m.ObserveRequest("GET", "/health", "200", 0.1)
}

func TestWorkflowMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewWorkflowProm("pingup")
	m.IncExecutionStarted("delete-story")
	m.IncExecutionFinished("delete-story", "COMPLETED")
	m.ObserveExecutionDuration("delete-story", 86400)
	m.IncStepAttempt("delete-story", "delete-story", "error")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "pingup_executions_started_total", map[string]string{"definition": "delete-story"}) {
		t.Fatalf("expected executions_started metric")
	}
	if !hasMetric(families, "pingup_executions_finished_total", map[string]string{"definition": "delete-story", "state": "COMPLETED"}) {
		t.Fatalf("expected executions_finished metric")
	}
	if !hasMetric(families, "pingup_execution_duration_seconds", map[string]string{"definition": "delete-story"}) {
		t.Fatalf("expected execution_duration metric")
	}
	if !hasMetric(families, "pingup_step_attempts_total", map[string]string{"step": "delete-story", "outcome": "error"}) {
		t.Fatalf("expected step_attempts metric")
	}
}

func TestSchedulerAndLiveMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	s := NewSchedulerProm("pingup")
	s.IncReady("cron")
	s.SetSleeping(3)
	l := NewLiveProm("pingup")
	l.SetConnections(2)
	l.IncPush("new_message", false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "pingup_scheduler_ready_total", map[string]string{"kind": "cron"}) {
		t.Fatalf("expected scheduler_ready metric")
	}
	if !hasMetric(families, "pingup_scheduler_due_sleepers", nil) {
		t.Fatalf("expected due sleepers gauge")
	}
	if !hasMetric(families, "pingup_live_connections", nil) {
		t.Fatalf("expected live_connections gauge")
	}
	if !hasMetric(families, "pingup_live_pushes_total", map[string]string{"event": "new_message", "delivered": "false"}) {
		t.Fatalf("expected live_pushes metric")
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("pingup")
	m.ObserveRequest("GET", "/health", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "pingup_http_requests_total", map[string]string{"method": "GET", "route": "/health", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "pingup_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/health"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewWorkflowProm("pingup")
	m.IncExecutionStarted("wf")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
