// Package migration relocates running children between nodes. A round
// starts the child on its new owner first, optionally hands the in-memory
// state over, and only then terminates the outgoing replica — bounded by a
// single retention timer so a stuck worker cannot stall the round.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"processhub/internal/check"
	"processhub/internal/logging"
	"processhub/internal/registry"
	"processhub/internal/transport"
	"processhub/internal/worker"
)

// StartCaller starts a child on a remote node and waits for the response.
type StartCaller interface {
	StartChild(ctx context.Context, node string, spec registry.ChildSpec) (transport.StartResult, error)
}

// LocalControl is the slice of the supervisor the migrator needs: deliver
// protocol messages to local workers and terminate them.
type LocalControl interface {
	Deliver(cid string, msg any) error
	TerminateChild(cid string) error
}

// Migrator executes migration rounds for one hub on one node.
type Migrator struct {
	hub     string
	reg     *registry.Registry
	caller  StartCaller
	control LocalControl
	cfg     Config
	log     *slog.Logger
	trc     trace.Tracer

	// OnTerminated runs after a local replica is terminated by a round,
	// before the next child is considered. The coordinator uses it to
	// propagate the removal.
	OnTerminated func(cid string)
}

// New builds a migrator.
func New(hub string, reg *registry.Registry, caller StartCaller, control LocalControl, cfg Config) *Migrator {
	check.Assert(reg != nil, "migration.New: registry must not be nil")
	check.Assert(caller != nil, "migration.New: caller must not be nil")
	check.Assert(control != nil, "migration.New: control must not be nil")
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultConfig().StartTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	return &Migrator{
		hub:     hub,
		reg:     reg,
		caller:  caller,
		control: control,
		cfg:     cfg,
		log:     logging.Component("migration").With("hub", hub),
		trc:     otel.Tracer("processhub"),
	}
}

// MigrateChildren moves the given locally-supervised children to target.
//
// Each child is started remotely first; a per-child start failure aborts
// that child only. With handover enabled the local worker is told to ship
// its state and acknowledge; termination then waits per child for that
// acknowledgement or for the round's single retention deadline, whichever
// comes first. Without handover every started child is terminated when the
// retention deadline fires.
func (m *Migrator) MigrateChildren(ctx context.Context, target string, cids []string) []Outcome {
	ctx, span := m.trc.Start(ctx, "migration.round", trace.WithAttributes(
		attribute.String("target", target),
		attribute.Int("children", len(cids)),
	))
	defer span.End()

	outcomes := make([]Outcome, 0, len(cids))
	acked := make(chan string, len(cids))
	pending := make(map[string]*Record, len(cids))

	var retention *time.Timer
	var retentionC <-chan time.Time
	for _, cid := range cids {
		rec := &Record{CID: cid, Source: m.reg.Self(), Target: target, Phase: PhaseAwaitStart}

		entry, ok := m.reg.Entry(cid)
		if !ok {
			outcomes = append(outcomes, Outcome{CID: cid, Err: fmt.Errorf("%w: %s", registry.ErrChildUnknown, cid)})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
		res, err := m.caller.StartChild(callCtx, target, entry.Spec)
		cancel()
		if err == nil && !res.Started() {
			err = &registry.StartError{CID: cid, Reason: res.Reason}
		}
		if err != nil {
			// AwaitStart -> start failure: log, abort this child, stay put.
			m.log.Warn("migration start failed", "cid", cid, "target", target, "err", err)
			outcomes = append(outcomes, Outcome{CID: cid, Err: err})
			continue
		}
		rec.RemotePid = res.Pid

		// Retention runs from the first successful start.
		if retention == nil {
			retention = time.NewTimer(m.cfg.Retention)
			retentionC = retention.C
		}

		if m.cfg.Handover && res.Pid != "" {
			rec.Phase = PhaseHandoverInFlight
			err := m.control.Deliver(cid, worker.HandoverStart{
				CID:    cid,
				Remote: worker.Remote{Node: target, Pid: res.Pid},
				Acked:  acked,
			})
			if err != nil {
				m.log.Warn("handover start delivery failed", "cid", cid, "err", err)
			}
		} else {
			rec.Phase = PhaseRetaining
		}
		pending[cid] = rec
	}
	if retention != nil {
		defer retention.Stop()
	}

	// Termination: retention_handled per child, or retention_over for all.
	for len(pending) > 0 {
		select {
		case cid := <-acked:
			rec, ok := pending[cid]
			if !ok {
				continue
			}
			rec.StateTransferred = true
			m.terminate(rec)
			delete(pending, cid)
			outcomes = append(outcomes, Outcome{CID: cid, Moved: true})
		case <-retentionC:
			for cid, rec := range pending {
				if rec.Phase == PhaseHandoverInFlight {
					m.log.Warn("handover retention expired", "cid", cid,
						"err", registry.ErrHandoverLate)
				}
				m.terminate(rec)
				outcomes = append(outcomes, Outcome{CID: cid, Moved: true})
			}
			clear(pending)
		case <-ctx.Done():
			for cid, rec := range pending {
				m.terminate(rec)
				outcomes = append(outcomes, Outcome{CID: cid, Moved: true})
			}
			clear(pending)
		}
	}

	span.SetAttributes(attribute.Int("moved", countMoved(outcomes)))
	return outcomes
}

func (m *Migrator) terminate(rec *Record) {
	if err := m.control.TerminateChild(rec.CID); err != nil && !errors.Is(err, registry.ErrChildUnknown) {
		m.log.Warn("terminate after migration failed", "cid", rec.CID, "err", err)
	}
	m.reg.RemoveLocal(rec.CID)
	rec.Phase = PhaseTerminated
	if m.OnTerminated != nil {
		m.OnTerminated(rec.CID)
	}
}

func countMoved(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Moved {
			n++
		}
	}
	return n
}
