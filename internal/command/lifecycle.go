package command

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/jkaberg/saic-fleet/internal/store"
)

const (
	eventPublished = "event_published"
	eventFailed    = "event_failed"
)

// lifecycle drives one audit record from pending to sent or failed. Both
// terminal states persist themselves on entry.
type lifecycle struct {
	*fsm.FSM
	audit store.CommandAudit
	id    int64
	now   func() time.Time
}

func newLifecycle(audit store.CommandAudit, id int64, now func() time.Time) *lifecycle {
	l := &lifecycle{audit: audit, id: id, now: now}

	events := fsm.Events{
		{Name: eventPublished, Src: []string{string(store.CommandPending)}, Dst: string(store.CommandSent)},
		{Name: eventFailed, Src: []string{string(store.CommandPending)}, Dst: string(store.CommandFailed)},
	}
	callbacks := fsm.Callbacks{
		"enter_" + string(store.CommandSent):   wrapEvent(l.persist),
		"enter_" + string(store.CommandFailed): wrapEvent(l.persist),
	}

	l.FSM = fsm.NewFSM(string(store.CommandPending), events, callbacks)
	return l
}

func (l *lifecycle) sent(ctx context.Context) error {
	return l.Event(ctx, eventPublished)
}

func (l *lifecycle) fail(ctx context.Context, cause error) error {
	return l.Event(ctx, eventFailed, cause.Error())
}

func (l *lifecycle) persist(ctx context.Context, e *fsm.Event) error {
	var msg string
	if len(e.Args) > 0 {
		msg, _ = e.Args[0].(string)
	}
	return l.audit.UpdateCommand(ctx, l.id, store.CommandStatus(e.Dst), msg, l.now().UTC())
}

// wrapEvent lets a callback report an error through Event's return value.
func wrapEvent(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}
