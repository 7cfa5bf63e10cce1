package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
	"github.com/corybantes/smart-distribution-board/internal/power/infrastructure/memory"
)

type recordingSink struct {
	mu    sync.Mutex
	fail  error
	calls []power.State
}

func (s *recordingSink) SetOutlet(_ context.Context, _ billing.OutletRef, state power.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.calls = append(s.calls, state)
	return nil
}

func (s *recordingSink) Calls() []power.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]power.State(nil), s.calls...)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testOutlet = billing.OutletRef{BoardID: "board-1", Index: 2}

func newTestController(t *testing.T, sink *recordingSink) (*Controller, *memory.StateRepository, *memory.CommandLog) {
	t.Helper()
	states := memory.NewStateRepository()
	log := memory.NewCommandLog()
	ctrl, err := NewController(states, sink, WithCommandLog(log), WithClock(fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl, states, log
}

func TestSetDesiredIssuesOnlyOnChange(t *testing.T) {
	sink := &recordingSink{}
	ctrl, _, log := newTestController(t, sink)
	ctx := context.Background()

	tr, err := ctrl.SetDesired(ctx, testOutlet, power.StateOff)
	if err != nil {
		t.Fatalf("set desired: %v", err)
	}
	if !tr.Changed || !tr.Delivered || tr.Previous != "" {
		t.Fatalf("unexpected first transition %+v", tr)
	}

	for i := 0; i < 3; i++ {
		tr, err = ctrl.SetDesired(ctx, testOutlet, power.StateOff)
		if err != nil {
			t.Fatalf("repeat set desired: %v", err)
		}
		if tr.Changed {
			t.Fatalf("repeat should not change state: %+v", tr)
		}
	}
	if got := sink.Calls(); len(got) != 1 || got[0] != power.StateOff {
		t.Fatalf("expected a single OFF command, got %v", got)
	}

	tr, err = ctrl.SetDesired(ctx, testOutlet, power.StateOn)
	if err != nil {
		t.Fatalf("set on: %v", err)
	}
	if !tr.Changed || tr.Previous != power.StateOff || tr.Current != power.StateOn {
		t.Fatalf("unexpected restore transition %+v", tr)
	}
	if len(log.List()) != 2 {
		t.Fatalf("expected 2 logged commands, got %d", len(log.List()))
	}
	for _, cmd := range log.List() {
		if cmd.Status != power.StatusSent {
			t.Fatalf("expected sent status, got %s", cmd.Status)
		}
	}
}

func TestSetDesiredRetriesUndeliveredCommand(t *testing.T) {
	sink := &recordingSink{fail: errors.New("device offline")}
	ctrl, states, _ := newTestController(t, sink)
	ctx := context.Background()

	tr, err := ctrl.SetDesired(ctx, testOutlet, power.StateOff)
	if !errors.Is(err, power.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if !tr.Changed {
		t.Fatalf("failed delivery still records the transition: %+v", tr)
	}
	recorded, _ := states.Find(ctx, testOutlet)
	if recorded == nil || recorded.Desired != power.StateOff || recorded.Delivered {
		t.Fatalf("expected undelivered OFF, got %+v", recorded)
	}

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()

	tr, err = ctrl.SetDesired(ctx, testOutlet, power.StateOff)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if tr.Changed || !tr.Delivered {
		t.Fatalf("retry should deliver without a new transition: %+v", tr)
	}
	recorded, _ = states.Find(ctx, testOutlet)
	if !recorded.Delivered || recorded.Attempts != 2 {
		t.Fatalf("expected delivered after 2 attempts, got %+v", recorded)
	}
}

func TestOverrideAlwaysDelivers(t *testing.T) {
	sink := &recordingSink{}
	ctrl, _, log := newTestController(t, sink)
	ctx := context.Background()

	if _, err := ctrl.SetDesired(ctx, testOutlet, power.StateOn); err != nil {
		t.Fatalf("set desired: %v", err)
	}
	if _, err := ctrl.Override(ctx, testOutlet, power.StateOn, "operator-1"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if len(sink.Calls()) != 2 {
		t.Fatalf("expected override to re-send, got %d calls", len(sink.Calls()))
	}
	cmds := log.List()
	if cmds[1].Source != power.SourceOperator || cmds[1].Actor != "operator-1" {
		t.Fatalf("unexpected override command %+v", cmds[1])
	}
}

func TestSetDesiredRejectsInvalidInput(t *testing.T) {
	ctrl, _, _ := newTestController(t, &recordingSink{})
	if _, err := ctrl.SetDesired(context.Background(), testOutlet, power.State("MAYBE")); !errors.Is(err, power.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := ctrl.SetDesired(context.Background(), billing.OutletRef{}, power.StateOn); !errors.Is(err, billing.ErrInvalidOutlet) {
		t.Fatalf("expected ErrInvalidOutlet, got %v", err)
	}
}
