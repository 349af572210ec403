package engine

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
)

// syncTransactions is the batch sweep: every pending or failed transaction
// goes out in one request, oldest first, and each local record is updated
// per its own verdict. A transport failure yields no verdicts, so nothing
// is assumed delivered and the whole batch stays queued.
func (e *Engine) syncTransactions(ctx context.Context, triggeredBy string) PushResult {
	start := time.Now().UTC()
	res := PushResult{StartedAt: start}

	logRow, logErr := e.store.AppendSyncLog(ctx, models.SyncResourceTransactions, models.SyncDirectionPush, triggeredBy)
	if logErr != nil {
		e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "transactions"}).
			Warn("could not open sync log: " + logErr.Error())
	}

	recs, err := e.store.ListPending(ctx)
	if err != nil {
		return e.finishPush(ctx, logRow, res, err.Error())
	}
	if len(recs) == 0 {
		res.Success = true
		res.FinishedAt = time.Now().UTC()
		if logRow != nil {
			_ = e.store.CompleteSyncLog(ctx, logRow.ID, models.SyncRunStatusSuccess, 0, 0, "")
		}
		e.bus.publish(Event{Type: EventTransactionSync, At: res.FinishedAt, Push: &res})
		return res
	}

	payloads := make([]TransactionPayload, 0, len(recs))
	for _, rec := range recs {
		payloads = append(payloads, toTransactionPayload(rec))
	}

	batch, err := e.client.PushBatch(ctx, payloads)
	if err != nil {
		// No per-record verdicts: every record stays queued as-is.
		return e.finishPush(ctx, logRow, res, err.Error())
	}

	res = e.applyVerdicts(ctx, recs, batch, start, res)
	res.Success = true

	status := models.SyncRunStatusSuccess
	if res.Failed > 0 {
		status = models.SyncRunStatusPartial
	}
	if logRow != nil {
		if cerr := e.store.CompleteSyncLog(ctx, logRow.ID, status, res.Synced, res.Failed, ""); cerr != nil {
			e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "transactions"}).
				Warn("could not complete sync log: " + cerr.Error())
		}
	}

	res.FinishedAt = time.Now().UTC()
	e.logger.WithFields(logrus.Fields{
		"module":       "engine",
		"resource":     "transactions",
		"triggered_by": triggeredBy,
		"total":        res.Total,
		"synced":       res.Synced,
		"failed":       res.Failed,
	}).Info("transaction push completed")

	e.bus.publish(Event{Type: EventTransactionSync, At: res.FinishedAt, Push: &res})
	e.publishQueueStats(ctx)
	return res
}

// pushTransaction delivers one transaction right after checkout. Failure is
// not fatal — the record is already durably queued and the sweeps own it
// from here.
func (e *Engine) pushTransaction(ctx context.Context, id string, triggeredBy string) PushResult {
	start := time.Now().UTC()
	res := PushResult{StartedAt: start}

	rec, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		res.Error = err.Error()
		res.FinishedAt = time.Now().UTC()
		return res
	}
	if rec.SyncStatus == models.SyncStatusSynced {
		res.Success = true
		res.FinishedAt = time.Now().UTC()
		return res
	}

	logRow, logErr := e.store.AppendSyncLog(ctx, models.SyncResourceTransactions, models.SyncDirectionPush, triggeredBy)
	if logErr != nil {
		e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "transactions"}).
			Warn("could not open sync log: " + logErr.Error())
	}

	batch, err := e.client.PushBatch(ctx, []TransactionPayload{toTransactionPayload(*rec)})
	if err != nil {
		res.Total = 1
		if utils.IsTransportError(err) {
			// Only a delivery failure counts against the record's retry
			// budget; a misconfigured client leaves it pending untouched.
			next := start.Add(e.backoff(rec.SyncRetryCount + 1))
			if merr := e.store.MarkFailed(ctx, rec.ID, err.Error(), start, next); merr != nil {
				e.logger.WithFields(logrus.Fields{"module": "engine", "transaction_id": rec.ID}).
					Error("could not mark transaction failed: " + merr.Error())
			}
			res.Failed = 1
		}
		out := e.finishPush(ctx, logRow, res, err.Error())
		e.publishQueueStats(ctx)
		return out
	}

	res = e.applyVerdicts(ctx, []models.Transaction{*rec}, batch, start, res)
	res.Success = true

	status := models.SyncRunStatusSuccess
	if res.Failed > 0 {
		status = models.SyncRunStatusPartial
	}
	if logRow != nil {
		_ = e.store.CompleteSyncLog(ctx, logRow.ID, status, res.Synced, res.Failed, "")
	}
	res.FinishedAt = time.Now().UTC()
	e.bus.publish(Event{Type: EventTransactionSync, At: res.FinishedAt, Push: &res})
	e.publishQueueStats(ctx)
	return res
}

// retryFailed is the backoff-aware sweep: only failed records whose window
// has elapsed are retried, one by one, with a short delay between records
// to avoid bursting the remote right after an outage. An empty sweep writes
// no audit row; an attempting sweep is bracketed like any other run.
func (e *Engine) retryFailed(ctx context.Context) PushResult {
	start := time.Now().UTC()
	res := PushResult{StartedAt: start}

	recs, err := e.store.ListRetryEligible(ctx, start)
	if err != nil {
		res.Error = err.Error()
		res.FinishedAt = time.Now().UTC()
		return res
	}
	if len(recs) == 0 {
		res.Success = true
		res.FinishedAt = time.Now().UTC()
		return res
	}

	logRow, logErr := e.store.AppendSyncLog(ctx, models.SyncResourceTransactions, models.SyncDirectionPush, models.SyncTriggeredRetry)
	if logErr != nil {
		e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "transactions"}).
			Warn("could not open sync log: " + logErr.Error())
	}

	res.Success = true
	for i, rec := range recs {
		if i > 0 {
			select {
			case <-time.After(e.cfg.RetrySpacing):
			case <-ctx.Done():
				return e.finishPush(ctx, logRow, res, ctx.Err().Error())
			}
		}

		attempt := time.Now().UTC()
		batch, perr := e.client.PushBatch(ctx, []TransactionPayload{toTransactionPayload(rec)})
		res.Total++
		if perr != nil {
			if !utils.IsTransportError(perr) {
				// Not a delivery outcome (bad base url and the like);
				// every remaining record would fail the same way.
				return e.finishPush(ctx, logRow, res, perr.Error())
			}
			next := attempt.Add(e.backoff(rec.SyncRetryCount + 1))
			if merr := e.store.MarkFailed(ctx, rec.ID, perr.Error(), attempt, next); merr != nil {
				e.logger.WithFields(logrus.Fields{"module": "engine", "transaction_id": rec.ID}).
					Error("could not mark transaction failed: " + merr.Error())
			}
			res.Failed++
			continue
		}
		single := e.applyVerdicts(ctx, []models.Transaction{rec}, batch, attempt, PushResult{})
		res.Synced += single.Synced
		res.Failed += single.Failed
	}

	status := models.SyncRunStatusSuccess
	if res.Failed > 0 {
		status = models.SyncRunStatusPartial
	}
	if logRow != nil {
		if cerr := e.store.CompleteSyncLog(ctx, logRow.ID, status, res.Synced, res.Failed, ""); cerr != nil {
			e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "transactions"}).
				Warn("could not complete sync log: " + cerr.Error())
		}
	}

	res.FinishedAt = time.Now().UTC()
	e.logger.WithFields(logrus.Fields{
		"module":   "engine",
		"resource": "transactions",
		"total":    res.Total,
		"synced":   res.Synced,
		"failed":   res.Failed,
	}).Info("retry sweep completed")
	e.bus.publish(Event{Type: EventTransactionSync, At: res.FinishedAt, Push: &res})
	e.publishQueueStats(ctx)
	return res
}

// applyVerdicts updates each record per the server's answer: ids listed in
// the error set are marked failed, the rest synced.
func (e *Engine) applyVerdicts(ctx context.Context, recs []models.Transaction, batch *BatchResponse, attemptedAt time.Time, res PushResult) PushResult {
	rejected := make(map[string]string, len(batch.Errors))
	for _, be := range batch.Errors {
		rejected[be.ID] = be.Error
	}

	res.Total += len(recs)
	for _, rec := range recs {
		if reason, bad := rejected[rec.ID]; bad {
			rejection := &utils.ServerRejection{RecordId: rec.ID, Reason: reason}
			e.logger.WithFields(logrus.Fields{"module": "engine", "transaction_id": rec.ID}).
				Warn(rejection.Error())
			next := attemptedAt.Add(e.backoff(rec.SyncRetryCount + 1))
			if merr := e.store.MarkFailed(ctx, rec.ID, reason, attemptedAt, next); merr != nil {
				e.logger.WithFields(logrus.Fields{"module": "engine", "transaction_id": rec.ID}).
					Error("could not mark transaction failed: " + merr.Error())
			}
			res.Failed++
			continue
		}
		if merr := e.store.MarkSynced(ctx, rec.ID); merr != nil {
			e.logger.WithFields(logrus.Fields{"module": "engine", "transaction_id": rec.ID}).
				Error("could not mark transaction synced: " + merr.Error())
			res.Failed++
			continue
		}
		res.Synced++
	}
	return res
}

func (e *Engine) finishPush(ctx context.Context, logRow *models.SyncLog, res PushResult, errMsg string) PushResult {
	res.Success = false
	res.Error = errMsg
	res.FinishedAt = time.Now().UTC()
	if logRow != nil {
		if cerr := e.store.CompleteSyncLog(ctx, logRow.ID, models.SyncRunStatusFailed, res.Synced, res.Failed, errMsg); cerr != nil {
			e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "transactions"}).
				Warn("could not complete sync log: " + cerr.Error())
		}
	}
	e.logger.WithFields(logrus.Fields{
		"module":   "engine",
		"resource": "transactions",
	}).Warn("transaction push failed: " + errMsg)
	e.bus.publish(Event{Type: EventTransactionSync, At: res.FinishedAt, Push: &res})
	return res
}

func (e *Engine) publishQueueStats(ctx context.Context) {
	stats, err := e.store.QueueStats(ctx)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"module": "engine"}).
			Warn("could not read queue stats: " + err.Error())
		return
	}
	e.bus.publish(Event{Type: EventQueueStats, At: time.Now().UTC(), Queue: stats})
}
