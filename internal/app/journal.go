package app

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"txrelay/internal/eventbus"
	"txrelay/internal/metrics"
	"txrelay/internal/storage"
	"txrelay/internal/txn"
	logx "txrelay/pkg/logx"
)

const journalBuffer = 256

// journal counts every bus event and persists terminal ones: an outcome row
// plus a done marker per final transaction id, so a restart still refuses
// to resend them. Steps rejected before broadcast get no marker.
type journal struct {
	bus   *eventbus.Bus
	store storage.Store
	met   *metrics.Metrics
	ttl   time.Duration
	clk   clock.Clock
	log   logx.Logger

	subs []eventbus.Subscription
}

func newJournal(bus *eventbus.Bus, store storage.Store, met *metrics.Metrics, ttl time.Duration, clk clock.Clock, log logx.Logger) *journal {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = defaultDoneTTL
	}
	return &journal{bus: bus, store: store, met: met, ttl: ttl, clk: clk, log: log}
}

// Attach subscribes the event counter. It is cheap and runs inline.
func (j *journal) Attach() {
	for _, t := range []eventbus.Topic{eventbus.TopicTx, eventbus.TopicSequence} {
		topic := string(t)
		j.subs = append(j.subs, j.bus.Subscribe(t, func(eventbus.Event) { j.met.IncEvent(topic) }, nil))
	}
}

func (j *journal) Detach() {
	for _, s := range j.subs {
		j.bus.Unsubscribe(s)
	}
	j.subs = nil
}

// Run persists terminal events until ctx is done. It is a no-op without a
// store.
func (j *journal) Run(ctx context.Context) error {
	if j.store == nil {
		<-ctx.Done()
		return nil
	}
	txs, stopTx := j.bus.Stream(eventbus.TopicTx, journalBuffer, eventbus.Terminal)
	defer stopTx()
	seqs, stopSeq := j.bus.Stream(eventbus.TopicSequence, journalBuffer, eventbus.Terminal)
	defer stopSeq()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-txs:
			if !ok {
				return nil
			}
			j.record(ctx, e)
		case e, ok := <-seqs:
			if !ok {
				return nil
			}
			j.record(ctx, e)
		}
	}
}

func (j *journal) record(ctx context.Context, e eventbus.Event) {
	now := j.clk.Now()
	until := now.Add(j.ttl)

	var (
		out  storage.Outcome
		done []string
	)
	switch ev := e.(type) {
	case eventbus.TxEvent:
		out = storage.Outcome{At: ev.Time, Kind: "tx", ID: ev.ID, Status: string(ev.Status), Label: ev.Label, Error: ev.Error}
		done = append(done, ev.ID)
	case eventbus.SequenceEvent:
		status := txn.StatusSuccess
		if ev.Failed {
			status = txn.StatusError
		}
		out = storage.Outcome{At: ev.Time, Kind: "sequence", SequenceID: ev.SequenceID, Status: string(status), Label: ev.Label, Steps: ev.TotalSteps}
		for _, st := range ev.Steps {
			if st.Status.Terminal() && !st.Rejected && st.ID != "" {
				done = append(done, st.ID)
			}
		}
		if n := len(ev.Steps); n > 0 {
			out.ID = ev.Steps[n-1].ID
		}
	default:
		return
	}
	if out.At.IsZero() {
		out.At = now
	}

	if err := j.store.AppendOutcome(ctx, out); err != nil {
		j.log.Warn("outcome not persisted", logx.String("kind", out.Kind), logx.String("id", out.ID), logx.Err(err))
	}
	for _, id := range done {
		if err := j.store.PutDone(ctx, id, until); err != nil {
			j.log.Warn("done marker not persisted", logx.String("id", id), logx.Err(err))
		}
	}
}
