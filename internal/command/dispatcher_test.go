package command

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/jkaberg/saic-fleet/internal/store"
	"github.com/jkaberg/saic-fleet/internal/store/memory"
)

const vin = "LSJA1234567890123"

type call struct {
	topic   string
	payload string
}

type fakePublisher struct {
	mu     sync.Mutex
	calls  []call
	failAt int // 1-based publish number that fails; 0 never fails
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call{topic, string(payload)})
	if p.failAt == len(p.calls) {
		return errors.New("broker unavailable")
	}
	return nil
}

func newDispatcher(t *testing.T, pub Publisher) (*Dispatcher, *memory.Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	st := memory.New()
	return NewDispatcher(pub, st, "saic", "user@example.com", logger), st
}

func f64p(v float64) *float64 { return &v }
func intp(v int) *int         { return &v }
func limitp(v CurrentLimit) *CurrentLimit {
	return &v
}

func TestDispatchMapping(t *testing.T) {
	base := "saic/user@example.com/vehicles/" + vin + "/"
	tests := []struct {
		name string
		cmd  Command
		want []call
	}{
		{"lock", Lock{Locked: true}, []call{{base + "doors/locked/set", "true"}}},
		{"unlock", Lock{Locked: false}, []call{{base + "doors/locked/set", "false"}}},
		{"climate on with temperature", Climate{Action: ClimateOn, Temperature: f64p(22)}, []call{
			{base + "climate/remoteClimateState/set", "on"},
			{base + "climate/remoteTemperature/set", "22"},
		}},
		{"climate on without temperature", Climate{Action: ClimateOn}, []call{
			{base + "climate/remoteClimateState/set", "on"},
		}},
		{"climate off ignores temperature", Climate{Action: ClimateOff, Temperature: f64p(22)}, []call{
			{base + "climate/remoteClimateState/set", "off"},
		}},
		{"charge start", Charge{Action: ChargeStart}, []call{{base + "drivetrain/charging/set", "true"}}},
		{"charge stop", Charge{Action: ChargeStop}, []call{{base + "drivetrain/charging/set", "false"}}},
		{"charge target", Charge{Action: ChargeSetTarget, TargetSOC: intp(80)}, []call{{base + "drivetrain/socTarget/set", "80"}}},
		{"charge limit", Charge{Action: ChargeSetLimit, CurrentLimit: limitp(Limit16A)}, []call{{base + "drivetrain/chargeCurrentLimit/set", "16A"}}},
		{"find", FindMyCar{Mode: FindHornOnly}, []call{{base + "location/findMyCar/set", "horn_only"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			d, st := newDispatcher(t, pub)

			res, err := d.Dispatch(context.Background(), vin, tt.cmd)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if res.Status != store.CommandSent || res.CommandID != 1 {
				t.Errorf("result = %+v", res)
			}
			if len(pub.calls) != len(tt.want) {
				t.Fatalf("calls = %+v, want %+v", pub.calls, tt.want)
			}
			for i := range tt.want {
				if pub.calls[i] != tt.want[i] {
					t.Errorf("call %d = %+v, want %+v", i, pub.calls[i], tt.want[i])
				}
			}

			recs := st.Commands()
			if len(recs) != 1 || recs[0].Status != store.CommandSent || recs[0].CompletedAt == nil {
				t.Errorf("audit = %+v", recs)
			}
			if recs[0].Type != string(tt.cmd.Type()) {
				t.Errorf("audit type = %s", recs[0].Type)
			}
		})
	}
}

func TestDispatchValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name string
		vin  string
		cmd  Command
	}{
		{"bad climate action", vin, Climate{Action: "max"}},
		{"target out of range", vin, Charge{Action: ChargeSetTarget, TargetSOC: intp(35)}},
		{"target not a step", vin, Charge{Action: ChargeSetTarget, TargetSOC: intp(85)}},
		{"target missing", vin, Charge{Action: ChargeSetTarget}},
		{"limit missing", vin, Charge{Action: ChargeSetLimit}},
		{"bad limit", vin, Charge{Action: ChargeSetLimit, CurrentLimit: limitp("32A")}},
		{"bad find mode", vin, FindMyCar{Mode: "dance"}},
		{"empty vin", "", Lock{Locked: true}},
		{"wildcard vin", "VIN+1", Lock{Locked: true}},
		{"slash vin", "VIN/1", Lock{Locked: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			d, st := newDispatcher(t, pub)

			_, err := d.Dispatch(context.Background(), tt.vin, tt.cmd)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(pub.calls) != 0 || len(st.Commands()) != 0 {
				t.Errorf("side effects on invalid command: calls=%d audit=%d", len(pub.calls), len(st.Commands()))
			}
		})
	}
}

func TestDispatchStopsOnFirstFailure(t *testing.T) {
	pub := &fakePublisher{failAt: 1}
	d, st := newDispatcher(t, pub)

	res, err := d.Dispatch(context.Background(), vin, Climate{Action: ClimateOn, Temperature: f64p(21)})
	if err == nil {
		t.Fatal("expected publish error")
	}
	if res.Status != store.CommandFailed || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
	if len(pub.calls) != 1 {
		t.Errorf("remaining steps published after failure: %+v", pub.calls)
	}

	recs := st.Commands()
	if len(recs) != 1 || recs[0].Status != store.CommandFailed || recs[0].Error == "" {
		t.Errorf("audit = %+v", recs)
	}
}

func TestDispatchSecondStepFailure(t *testing.T) {
	pub := &fakePublisher{failAt: 2}
	d, st := newDispatcher(t, pub)

	res, _ := d.Dispatch(context.Background(), vin, Climate{Action: ClimateOn, Temperature: f64p(21)})
	if res.Status != store.CommandFailed {
		t.Errorf("status = %s", res.Status)
	}
	if got := st.Commands()[0].Status; got != store.CommandFailed {
		t.Errorf("audit status = %s", got)
	}
}

type failingAudit struct{ *memory.Store }

func (failingAudit) InsertCommand(context.Context, store.CommandRecord) (int64, error) {
	return 0, errors.New("insert failed")
}

func TestDispatchAuditInsertFailureDoesNotPublish(t *testing.T) {
	pub := &fakePublisher{}
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(pub, failingAudit{memory.New()}, "saic", "u", logger)

	if _, err := d.Dispatch(context.Background(), vin, Lock{Locked: true}); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.calls) != 0 {
		t.Errorf("published despite audit failure")
	}
}

func TestDispatchArgs(t *testing.T) {
	pub := &fakePublisher{}
	d, st := newDispatcher(t, pub)

	res, cmd, err := d.DispatchArgs(context.Background(), vin, "charge", map[string]any{"action": "setTarget", "target": 90.0})
	if err != nil {
		t.Fatalf("DispatchArgs: %v", err)
	}
	if res.Status != store.CommandSent || cmd.Summary() != "Charging setTarget command sent" {
		t.Errorf("res=%+v summary=%q", res, cmd.Summary())
	}
	if pub.calls[0].payload != "90" {
		t.Errorf("payload = %s", pub.calls[0].payload)
	}
	if got := st.Commands()[0].Payload["targetSoc"]; got != 90 {
		t.Errorf("audit payload targetSoc = %v", got)
	}

	if _, _, err := d.DispatchArgs(context.Background(), vin, "teleport", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("got %v, want ErrUnknownCommand", err)
	}
}
