// Package delivery is the entry point for callers holding signed
// transactions: it sends, keeps resubmitting, watches for confirmation and
// reports status on the bus.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"txrelay/internal/broadcast"
	"txrelay/internal/eventbus"
	"txrelay/internal/runtime/supervisor"
	"txrelay/internal/sequence"
	"txrelay/internal/storage"
	"txrelay/internal/transport"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

var ErrAlreadyFinal = errors.New("delivery: transaction already final")

type Request struct {
	Tx    txn.Signed
	Label string
}

type Deps struct {
	Sender       transport.Sender
	Coordinator  *broadcast.Coordinator
	Confirmer    sequence.Confirmer
	Orchestrator *sequence.Orchestrator
	Bus          *eventbus.Bus
	Store        storage.Store // optional
	Supervisor   *supervisor.Supervisor
	Clock        clock.Clock
	Log          logx.Logger
}

type Service struct {
	sender transport.Sender
	coord  *broadcast.Coordinator
	conf   sequence.Confirmer
	orch   *sequence.Orchestrator
	bus    *eventbus.Bus
	store  storage.Store
	sup    *supervisor.Supervisor
	clk    clock.Clock
	log    logx.Logger
}

func New(d Deps) *Service {
	s := &Service{
		sender: d.Sender,
		coord:  d.Coordinator,
		conf:   d.Confirmer,
		orch:   d.Orchestrator,
		bus:    d.Bus,
		store:  d.Store,
		sup:    d.Supervisor,
		clk:    d.Clock,
		log:    d.Log,
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.sup == nil {
		s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	}
	return s
}

// Send submits one signed transaction and returns its id once the initial
// send was accepted by the transport. Resubmission and confirmation continue
// in the background; progress is published as TxEvents.
//
// Sending an id that is already being delivered is a no-op returning the id.
// A failed initial send publishes nothing and leaves the id sendable.
func (s *Service) Send(ctx context.Context, req Request) (string, error) {
	tx := req.Tx
	if tx.ID == "" {
		return "", broadcast.ErrNoID
	}
	if s.sender == nil {
		return "", broadcast.ErrNoTransport
	}
	if err := s.checkFinal(ctx, tx.ID); err != nil {
		return "", err
	}
	if !s.coord.Claim(tx.ID) {
		if s.coord.IsDone(tx.ID) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyFinal, tx.ID)
		}
		return tx.ID, nil
	}

	log := s.log.With(logx.String("id", tx.ID))
	if _, err := transport.Send(ctx, s.sender, tx); err != nil {
		// Nothing reached the network: the id stays sendable.
		s.coord.Release(tx.ID)
		log.Warn("initial send failed", logx.Err(err))
		return "", fmt.Errorf("send %s: %w", tx.ID, err)
	}
	s.publish(eventbus.TxEvent{ID: tx.ID, Status: txn.StatusSent, Label: req.Label})

	if err := s.coord.Adopt(tx); err != nil {
		log.Warn("resubmission not started", logx.Err(err))
	}
	if s.conf == nil {
		return tx.ID, nil
	}

	s.sup.Go("delivery.confirm", func(ctx context.Context) error {
		status, err := s.conf.Await(ctx, tx.ID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("confirmation not observed", logx.Err(err))
			}
			return nil
		}
		s.coord.Cancel(tx.ID)
		ev := eventbus.TxEvent{ID: tx.ID, Status: status, Label: req.Label}
		if status == txn.StatusError {
			ev.Error = "transaction failed on chain"
		}
		s.publish(ev)
		log.Info("transaction final", logx.String("status", string(status)))
		return nil
	})
	return tx.ID, nil
}

// SendSequence runs steps in order and blocks until the sequence is terminal.
func (s *Service) SendSequence(ctx context.Context, steps []sequence.Step, cb sequence.Callbacks) (sequence.Result, error) {
	if s.orch == nil {
		return sequence.Result{FailedStep: -1}, fmt.Errorf("%w: no orchestrator", sequence.ErrPrecondition)
	}
	for _, st := range steps {
		if err := s.checkFinal(ctx, st.Tx.ID); err != nil {
			return sequence.Result{FailedStep: -1}, err
		}
		if s.coord.IsDone(st.Tx.ID) {
			return sequence.Result{FailedStep: -1}, fmt.Errorf("%w: %s", ErrAlreadyFinal, st.Tx.ID)
		}
	}
	return s.orch.Run(ctx, steps, cb)
}

// Cancel stops resubmitting id.
func (s *Service) Cancel(id string) { s.coord.Cancel(id) }

func (s *Service) checkFinal(ctx context.Context, id string) error {
	if s.store == nil || id == "" {
		return nil
	}
	_, ok, err := s.store.GetDone(ctx, id)
	if err != nil {
		s.log.Warn("done lookup failed", logx.String("id", id), logx.Err(err))
		return nil
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrAlreadyFinal, id)
	}
	return nil
}

func (s *Service) publish(ev eventbus.TxEvent) {
	if s.bus == nil {
		return
	}
	ev.Time = s.clk.Now()
	s.bus.Publish(ev)
}
