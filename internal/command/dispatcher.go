package command

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/saic-fleet/internal/metrics"
	"github.com/jkaberg/saic-fleet/internal/store"
	"github.com/jkaberg/saic-fleet/internal/topics"
)

// Publisher sends one bare payload at QoS 1.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Result is the outcome of a dispatch as recorded in the audit trail.
type Result struct {
	CommandID int64
	Status    store.CommandStatus
	Error     string
}

// Dispatcher turns validated commands into gateway publishes and keeps the
// command audit trail. It never waits for the vehicle itself to react.
type Dispatcher struct {
	pub     Publisher
	audit   store.CommandAudit
	prefix  string
	account string
	logger  *logrus.Logger
	now     func() time.Time
}

func NewDispatcher(pub Publisher, audit store.CommandAudit, prefix, account string, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		pub:     pub,
		audit:   audit,
		prefix:  prefix,
		account: account,
		logger:  logger,
		now:     time.Now,
	}
}

// DispatchArgs parses typ and args and dispatches the result.
func (d *Dispatcher) DispatchArgs(ctx context.Context, vin, typ string, args map[string]any) (Result, Command, error) {
	cmd, err := Parse(typ, args)
	if err != nil {
		metrics.CommandsDispatched.WithLabelValues(typ, "rejected").Inc()
		return Result{}, nil, err
	}
	res, err := d.Dispatch(ctx, vin, cmd)
	return res, cmd, err
}

// Dispatch validates cmd, records it as pending, and publishes its steps in
// order. The first failed publish marks the command failed and stops the
// remaining steps. Nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, vin string, cmd Command) (Result, error) {
	typ := string(cmd.Type())
	if !topics.ValidVIN(vin) {
		metrics.CommandsDispatched.WithLabelValues(typ, "rejected").Inc()
		return Result{}, invalid("vin", "must be non-empty and must not contain '/', '+', '#' or whitespace")
	}
	if err := cmd.validate(); err != nil {
		metrics.CommandsDispatched.WithLabelValues(typ, "rejected").Inc()
		return Result{}, err
	}

	start := d.now()
	id, err := d.audit.InsertCommand(ctx, store.CommandRecord{
		VIN:       vin,
		Type:      typ,
		Payload:   cmd.Payload(),
		Status:    store.CommandPending,
		CreatedAt: start.UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("record command: %w", err)
	}

	log := d.logger.WithFields(logrus.Fields{
		"vin":        vin,
		"command":    typ,
		"command_id": id,
	})

	var pubErr error
	for _, step := range cmd.steps() {
		topic := topics.CommandTopic(d.prefix, d.account, vin, step.Path)
		if pubErr = d.pub.Publish(ctx, topic, []byte(step.Payload)); pubErr != nil {
			pubErr = fmt.Errorf("publish %s: %w", step.Path, pubErr)
			break
		}
		log.WithFields(logrus.Fields{"topic": topic, "payload": step.Payload}).Debug("Command step published")
	}

	// The audit update must land even when the caller has gone away.
	lc := newLifecycle(d.audit, id, d.now)
	auditCtx := context.WithoutCancel(ctx)
	if pubErr != nil {
		if err := lc.fail(auditCtx, pubErr); err != nil {
			log.WithError(err).Warn("Failed to record command failure")
		}
		metrics.CommandsDispatched.WithLabelValues(typ, string(store.CommandFailed)).Inc()
		log.WithError(pubErr).Warn("Command publish failed")
		return Result{CommandID: id, Status: store.CommandFailed, Error: pubErr.Error()}, pubErr
	}

	if err := lc.sent(auditCtx); err != nil {
		log.WithError(err).Warn("Failed to record command delivery")
	}
	metrics.CommandsDispatched.WithLabelValues(typ, string(store.CommandSent)).Inc()
	metrics.CommandLatency.WithLabelValues(typ).Observe(d.now().Sub(start).Seconds())
	log.Info("Command sent")
	return Result{CommandID: id, Status: store.CommandSent}, nil
}
