package pipeline

import (
	"context"

	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// persist writes raw to the raw store, then threat and alert in one
// relational transaction. A relational failure leaves the raw event in
// place as an orphan; it is logged and counted but never deleted.
func (o *Orchestrator) persist(ctx context.Context, res *Result, raw *models.RawEvent, threat *models.Threat, alert *models.Alert) (*Result, error) {
	ref, err := o.rawStore.Store(ctx, raw)
	if err != nil {
		return o.fail(res, string(StageRawStore), &PersistenceError{Stage: StageRawStore, Err: err})
	}
	res.RawEventRef = ref
	threat.RawEventRef = ref

	if err := o.threatStore.CreateThreatWithAlert(ctx, threat, alert); err != nil {
		metrics.OrphanedRawEvents.Inc()
		o.logger.Warn("relational write failed, raw event orphaned",
			"raw_event_ref", ref, "kind", raw.Kind, "error", err)
		return o.fail(res, string(StageRelational), &PersistenceError{
			Stage:       StageRelational,
			RawEventRef: ref,
			Err:         err,
		})
	}

	res.Threat = threat
	res.Alert = alert
	res.Outcome = OutcomePersisted
	res.State = StatePersisted
	metrics.PipelineEventsTotal.WithLabelValues(string(res.Kind), string(OutcomePersisted)).Inc()
	metrics.ThreatsCreatedTotal.WithLabelValues(string(threat.ThreatType)).Inc()
	o.logger.Info("threat persisted",
		"threat_id", threat.ID, "threat_type", threat.ThreatType,
		"severity", threat.Severity, "raw_event_ref", ref)

	o.notifyAsync(context.WithoutCancel(ctx), threat, alert)
	return res, nil
}

// notifyAsync delivers the committed pair off the request path. The commit
// is permanent, so delivery must not depend on the caller's context or
// latency. Wait drains in-flight deliveries.
func (o *Orchestrator) notifyAsync(ctx context.Context, threat *models.Threat, alert *models.Alert) {
	if o.notifier == nil {
		return
	}
	o.notifications.Add(1)
	go func() {
		defer o.notifications.Done()
		if err := o.notifier.NotifyThreat(ctx, threat, alert); err != nil {
			o.logger.Warn("threat notification failed", "threat_id", threat.ID, "error", err)
		}
	}()
}

// Wait blocks until every notification started so far has finished, or
// ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
