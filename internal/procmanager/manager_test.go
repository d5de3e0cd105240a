package procmanager

import (
	"context"
	"testing"
	"time"

	"github.com/tracer-cloud/tracer-agent/internal/events"
	"github.com/tracer-cloud/tracer-agent/internal/pipeline"
	"github.com/tracer-cloud/tracer-agent/internal/target"
	"github.com/tracer-cloud/tracer-agent/internal/trigger"
)

type fakeOSReader struct {
	known map[int]osSnapshot
}

func (f *fakeOSReader) Snapshot(pids []int) map[int]osSnapshot {
	out := map[int]osSnapshot{}
	for _, pid := range pids {
		if snap, ok := f.known[pid]; ok {
			out[pid] = snap
		} else {
			out[pid] = osSnapshot{ok: false}
		}
	}
	return out
}

func collectingSink() (*Manager, *[]events.Event) {
	var got []events.Event
	sink := events.SinkFunc(func(e events.Event) error {
		got = append(got, e)
		return nil
	})
	matcher := target.Matcher{Includes: []target.Target{
		{Match: target.ProcessNameIs("worker"), DisplayName: "worker"},
	}}
	recognizer := pipeline.NewRecognizer(&pipeline.Spec{})
	m := New(matcher, recognizer, sink, nil).WithOSReader(&fakeOSReader{known: map[int]osSnapshot{
		100: {ok: true, cpuPercent: 1.5, rssBytes: 4096},
	}})
	return m, &got
}

func TestManager_HandleStarts_MatchedProcessEmitsToolExecution(t *testing.T) {
	m, got := collectingSink()

	err := m.HandleBatch(context.Background(), trigger.Batch{
		Starts: []trigger.ProcessStart{{PID: 100, Comm: "worker", StartedAt: time.Now()}},
	})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(*got) != 1 || (*got)[0].Kind != events.KindToolExecution {
		t.Fatalf("expected one ToolExecution event, got %+v", *got)
	}
	if (*got)[0].ProcessStatus != events.StatusRunning {
		t.Errorf("expected running status, got %v", (*got)[0].ProcessStatus)
	}

	monitored := m.GetMonitored()
	if len(monitored) != 1 || monitored[0] != "worker" {
		t.Fatalf("expected pid 100 monitored under 'worker', got %v", monitored)
	}
}

func TestManager_HandleStarts_UnmatchedProcessIgnored(t *testing.T) {
	m, got := collectingSink()

	err := m.HandleBatch(context.Background(), trigger.Batch{
		Starts: []trigger.ProcessStart{{PID: 1, Comm: "unrelated", StartedAt: time.Now()}},
	})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("expected no events for unmatched process, got %+v", *got)
	}
}

func TestManager_HandleStarts_ShortLivedWhenOSSnapshotMisses(t *testing.T) {
	m, got := collectingSink()

	err := m.HandleBatch(context.Background(), trigger.Batch{
		Starts: []trigger.ProcessStart{{PID: 999, Comm: "worker", StartedAt: time.Now()}},
	})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if len(*got) != 1 || (*got)[0].ProcessStatus != events.StatusShortLive {
		t.Fatalf("expected short-lived event, got %+v", *got)
	}
}

func TestManager_HandleEnds_RemovesFromMonitoringAndEmitsFinish(t *testing.T) {
	m, got := collectingSink()
	start := time.Now().Add(-time.Second)

	_ = m.HandleBatch(context.Background(), trigger.Batch{
		Starts: []trigger.ProcessStart{{PID: 100, Comm: "worker", StartedAt: start}},
	})
	*got = nil

	err := m.HandleBatch(context.Background(), trigger.Batch{
		Ends: []trigger.ProcessEnd{{PID: 100, FinishedAt: time.Now(), Reason: trigger.ExitNormal}},
	})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(*got) != 1 || (*got)[0].Kind != events.KindFinishedToolExecution {
		t.Fatalf("expected FinishedToolExecution, got %+v", *got)
	}
	if len(m.GetMonitored()) != 0 {
		t.Fatalf("expected pid removed from monitoring after exit")
	}
}

func TestManager_HandleEnds_OOMOverridesExitReason(t *testing.T) {
	m, got := collectingSink()
	start := time.Now().Add(-time.Second)

	_ = m.HandleBatch(context.Background(), trigger.Batch{
		Starts: []trigger.ProcessStart{{PID: 100, Comm: "worker", StartedAt: start}},
	})
	*got = nil

	err := m.HandleBatch(context.Background(), trigger.Batch{
		OOMs: []trigger.OOMRecord{{PID: 100, Comm: "worker", Timestamp: time.Now()}},
		Ends: []trigger.ProcessEnd{{PID: 100, FinishedAt: time.Now(), Reason: trigger.ExitSignal}},
	})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	if len(*got) != 1 {
		t.Fatalf("expected one event, got %+v", *got)
	}
	props, ok := (*got)[0].Attributes.(events.CompletedProcessProperties)
	if !ok {
		t.Fatalf("expected CompletedProcessProperties, got %T", (*got)[0].Attributes)
	}
	if props.ExitReason != trigger.ExitOutOfMemoryKilled.String() {
		t.Errorf("expected OOM-overridden exit reason, got %q", props.ExitReason)
	}
}

func TestManager_HandleOOM_DiscardsUnknownPID(t *testing.T) {
	m, _ := collectingSink()

	m.handleOOM([]trigger.OOMRecord{{PID: 555, Comm: "ghost", Timestamp: time.Now()}})

	m.mu.RLock()
	_, tracked := m.oomVictims[555]
	m.mu.RUnlock()

	if tracked {
		t.Fatal("expected OOM record for unknown pid to be discarded")
	}
}

func TestManager_PollMetrics_EmitsToolMetricEventForMonitored(t *testing.T) {
	m, got := collectingSink()
	_ = m.HandleBatch(context.Background(), trigger.Batch{
		Starts: []trigger.ProcessStart{{PID: 100, Comm: "worker", StartedAt: time.Now()}},
	})
	*got = nil

	if err := m.PollMetrics(context.Background()); err != nil {
		t.Fatalf("PollMetrics: %v", err)
	}
	if len(*got) != 1 || (*got)[0].Kind != events.KindToolMetricEvent {
		t.Fatalf("expected one ToolMetricEvent, got %+v", *got)
	}
}
