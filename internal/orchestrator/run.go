package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/idhash"
	"cashbridge/internal/observability"
)

// eventWriteTimeout bounds the audit flush at the end of a run.
const eventWriteTimeout = 5 * time.Second

// run collects step outcomes of one pipeline invocation.
type run struct {
	o             *Orchestrator
	transactionID string
	runID         string
	started       time.Time
	events        []*domain.VerificationEvent
}

// record notes the outcome of step. A nil err is "ok".
func (r *run) record(step domain.Step, start time.Time, err error) {
	elapsed := r.o.now().Sub(start)
	outcome := domain.OutcomeOK
	detail := ""
	if err != nil {
		outcome = domain.KindOf(err).String()
		detail = err.Error()
	}

	observability.RecordStep(step.String(), outcome, elapsed)

	r.events = append(r.events, &domain.VerificationEvent{
		EventID:       idhash.ComputeEventID(r.transactionID, r.runID, step.String(), len(r.events)),
		TransactionID: r.transactionID,
		Step:          step,
		Outcome:       outcome,
		Detail:        detail,
		DurationMs:    elapsed.Milliseconds(),
		OccurredAt:    start.UTC(),
	})
}

// annotate sets the detail of the last recorded event if it succeeded.
func (r *run) annotate(detail string) {
	if len(r.events) == 0 {
		return
	}
	if e := r.events[len(r.events)-1]; e.Outcome == domain.OutcomeOK {
		e.Detail = detail
	}
}

// finish records run metrics and flushes events. Flush failures are logged only.
func (r *run) finish(res *domain.SettlementResult) {
	status := string(res.Status)
	if status == "" {
		status = "rejected"
	}
	observability.RecordPipelineRun(status, r.o.now().Sub(r.started))
	if res.Success {
		observability.RecordCompletion(string(domain.MethodDualChannel))
	}

	if r.o.events == nil || len(r.events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()
	if err := r.o.events.InsertBulk(ctx, r.events); err != nil {
		r.o.logger.Warn("write verification events failed",
			zap.String("transaction_id", r.transactionID),
			zap.Int("events", len(r.events)),
			zap.Error(err),
		)
	}
}
