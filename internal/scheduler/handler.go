package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/observability"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/dedezza1D/hookflow/internal/retry"
	"github.com/dedezza1D/hookflow/internal/store"
	"go.uber.org/zap"
)

const errMissingAssetSpec = "bad task output: missing assetSpec"

// HandleTaskQueue processes one message from the task topic. Malformed
// messages are acked and dropped; processing errors are nacked for
// redelivery; everything else, job failures included, is acked.
func (s *Scheduler) HandleTaskQueue(ctx context.Context, m queue.Message) queue.Action {
	typ, err := events.PeekType(m.Data)
	if err != nil {
		s.logger.Error("malformed task message; dropping", zap.String("routing_key", m.Subject), zap.Error(err))
		return queue.Ack()
	}

	switch typ {
	case events.TypeTaskResult:
		var res events.TaskResult
		if err := json.Unmarshal(m.Data, &res); err != nil {
			s.logger.Error("malformed task result; dropping", zap.String("routing_key", m.Subject), zap.Error(err))
			return queue.Ack()
		}
		err = s.processTaskResult(ctx, &res)
	case events.TypeTaskProgress:
		var p events.TaskProgress
		if err := json.Unmarshal(m.Data, &p); err != nil {
			s.logger.Error("malformed task progress; dropping", zap.String("routing_key", m.Subject), zap.Error(err))
			return queue.Ack()
		}
		err = s.processTaskProgress(ctx, &p)
	default:
		s.logger.Warn("unexpected message on task topic", zap.String("routing_key", m.Subject), zap.String("type", string(typ)))
		return queue.Ack()
	}

	if err != nil {
		s.logger.Error("process task message", zap.String("routing_key", m.Subject), zap.Int("delivered", m.Delivered), zap.Error(err))
		return queue.Nack()
	}
	return queue.Ack()
}

func (s *Scheduler) processTaskResult(ctx context.Context, res *events.TaskResult) error {
	task, err := s.store.Tasks.Get(ctx, res.Task.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("result for unknown task", zap.String("task_id", res.Task.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get task %s: %w", res.Task.ID, err)
	}

	logger := s.logger.With(zap.String("task_id", task.ID), zap.String("task_type", string(task.Type)))
	if task.Status.Phase.Terminal() {
		logger.Info("duplicate result for finished task", zap.String("phase", string(task.Status.Phase)))
		observability.TaskResultsTotal.WithLabelValues(string(task.Type), "duplicate").Inc()
		return nil
	}

	if res.Error != nil {
		if !res.Error.Unretriable && task.Status.Retries < s.cfg.MaxRetries {
			return s.retryTask(ctx, task, res.Error.Message)
		}
		logger.Info("task failed", zap.String("error", res.Error.Message), zap.Bool("unretriable", res.Error.Unretriable), zap.Int("retries", task.Status.Retries))
		return s.FailTask(ctx, task, res.Error.Message)
	}

	return s.completeTask(ctx, task, res.Output)
}

// retryTask puts the task back to waiting and schedules the next trigger
// retries × RetryBaseDelay from now.
func (s *Scheduler) retryTask(ctx context.Context, task *store.Task, msg string) error {
	st := task.Status
	st.Phase = store.TaskWaiting
	st.Retries++
	st.ErrorMessage = msg
	st.UpdatedAt = s.now().UnixMilli()

	updated, err := s.UpdateTask(ctx, task, TaskPatch{Status: &st}, store.ActiveTaskPhases...)
	if err != nil || updated == nil {
		return err
	}

	delay := retry.TaskRetryDelay(st.Retries, s.cfg.RetryBaseDelay)
	s.logger.Info("retrying task",
		zap.String("task_id", task.ID),
		zap.Int("retries", st.Retries),
		zap.Duration("delay", delay),
		zap.String("error", msg),
	)
	observability.TaskRetriesTotal.WithLabelValues(string(task.Type)).Inc()
	observability.TaskResultsTotal.WithLabelValues(string(task.Type), "retried").Inc()
	return s.enqueue(ctx, updated, delay)
}

// FailTask moves the task to failed and fails whatever the task was
// producing: the output asset, or for exports the input asset's storage.
func (s *Scheduler) FailTask(ctx context.Context, task *store.Task, msg string) error {
	st := task.Status
	st.Phase = store.TaskFailed
	st.ErrorMessage = msg
	st.UpdatedAt = s.now().UnixMilli()

	updated, err := s.UpdateTask(ctx, task, TaskPatch{Status: &st}, store.ActiveTaskPhases...)
	if err != nil || updated == nil {
		return err
	}
	observability.TaskResultsTotal.WithLabelValues(string(task.Type), "failed").Inc()

	if task.OutputAssetID != "" {
		if err := s.failAsset(ctx, task.OutputAssetID, msg); err != nil {
			return err
		}
	}
	if task.Type == store.TaskExport && task.InputAssetID != "" {
		return s.revertExport(ctx, task, msg)
	}
	return nil
}

func (s *Scheduler) failAsset(ctx context.Context, assetID, msg string) error {
	asset, err := s.store.Assets.Get(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.UpdateAsset(ctx, asset, AssetPatch{Status: &store.AssetStatus{
		Phase:        store.AssetFailed,
		UpdatedAt:    s.now().UnixMilli(),
		ErrorMessage: msg,
	}})
	return err
}

// revertExport rolls the asset's IPFS spec back to the last spec that
// exported successfully. Without one the storage is simply failed.
func (s *Scheduler) revertExport(ctx context.Context, task *store.Task, msg string) error {
	asset, err := s.store.Assets.Get(ctx, task.InputAssetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if asset.Storage == nil || asset.Storage.Status == nil || asset.Storage.Status.Tasks.Pending != task.ID {
		return nil
	}

	storage := *asset.Storage
	status := *storage.Status
	status.Phase = store.StorageFailed
	status.ErrorMessage = msg
	status.Tasks = store.StorageTasks{Last: task.ID, Failed: task.ID}

	if storage.IPFS != nil && storage.IPFS.SuccessSpec != nil {
		ipfs := *storage.IPFS
		ipfs.Spec = ipfs.SuccessSpec
		storage.IPFS = &ipfs
		status.Phase = store.StorageReverted
	}
	storage.Status = &status

	_, err = s.UpdateAsset(ctx, asset, AssetPatch{Storage: &storage})
	return err
}

func (s *Scheduler) completeTask(ctx context.Context, task *store.Task, output *store.TaskOutput) error {
	if output == nil {
		output = &store.TaskOutput{}
	}

	var err error
	switch task.Type {
	case store.TaskImport, store.TaskUpload:
		var out *store.AssetSpecOutput
		if task.Type == store.TaskImport {
			out = output.Import
		} else {
			out = output.Upload
		}
		if out == nil || out.AssetSpec == nil {
			return s.FailTask(ctx, task, errMissingAssetSpec)
		}
		err = s.applyAssetSpec(ctx, task.OutputAssetID, out.AssetSpec, true)
	case store.TaskTranscode, store.TaskClip:
		wrapped := output.Transcode
		if task.Type == store.TaskClip {
			wrapped = output.Clip
		}
		if wrapped == nil || wrapped.Asset == nil || wrapped.Asset.AssetSpec == nil {
			return s.FailTask(ctx, task, errMissingAssetSpec)
		}
		err = s.applyAssetSpec(ctx, task.OutputAssetID, wrapped.Asset.AssetSpec, task.Type == store.TaskClip)
	case store.TaskExport:
		err = s.applyExport(ctx, task, output.Export)
	case store.TaskExportData, store.TaskTranscodeFile:
		// no asset to update
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
	if err != nil {
		return err
	}

	st := task.Status
	st.Phase = store.TaskCompleted
	st.Progress = 1
	st.UpdatedAt = s.now().UnixMilli()
	updated, err := s.UpdateTask(ctx, task, TaskPatch{Status: &st, Output: output}, store.ActiveTaskPhases...)
	if err != nil {
		return err
	}
	if updated != nil {
		observability.TaskResultsTotal.WithLabelValues(string(task.Type), "completed").Inc()
	}
	return nil
}

// applyAssetSpec copies what the job reported onto the output asset and
// marks it ready.
func (s *Scheduler) applyAssetSpec(ctx context.Context, assetID string, spec *store.AssetSpec, withFiles bool) error {
	if assetID == "" {
		return nil
	}
	asset, err := s.store.Assets.Get(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("output asset missing", zap.String("asset_id", assetID))
		return nil
	}
	if err != nil {
		return err
	}

	patch := AssetPatch{
		Status:              &store.AssetStatus{Phase: store.AssetReady, UpdatedAt: s.now().UnixMilli()},
		Size:                spec.Size,
		Hash:                spec.Hash,
		VideoSpec:           spec.VideoSpec,
		PlaybackRecordingID: spec.PlaybackRecordingID,
	}
	if withFiles {
		patch.Files = spec.Files
	}
	_, err = s.UpdateAsset(ctx, asset, patch)
	return err
}

// applyExport merges the IPFS result into the input asset's storage, but only
// while this task is still the pending export for it.
func (s *Scheduler) applyExport(ctx context.Context, task *store.Task, out *store.ExportOutput) error {
	if task.InputAssetID == "" {
		return nil
	}
	asset, err := s.store.Assets.Get(ctx, task.InputAssetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if asset.Storage == nil || asset.Storage.Status == nil || asset.Storage.Status.Tasks.Pending != task.ID {
		s.logger.Info("export superseded; leaving asset storage alone", zap.String("task_id", task.ID), zap.String("asset_id", asset.ID))
		return nil
	}

	ipfs := store.IPFSStorage{}
	if asset.Storage.IPFS != nil {
		ipfs = *asset.Storage.IPFS
	}
	if out != nil && out.IPFS != nil {
		ipfs.CID = out.IPFS.VideoFileCID
		ipfs.URL = out.IPFS.VideoFileURL
		ipfs.GatewayURL = out.IPFS.VideoFileGatewayURL
		if out.IPFS.NFTMetadataCID != "" {
			ipfs.NFTMetadata = &store.IPFSFileRef{
				CID:        out.IPFS.NFTMetadataCID,
				URL:        out.IPFS.NFTMetadataURL,
				GatewayURL: out.IPFS.NFTMetadataGatewayURL,
			}
		}
	}
	ipfs.SuccessSpec = ipfs.Spec
	ipfs.UpdatedAt = s.now().UnixMilli()

	_, err = s.UpdateAsset(ctx, asset, AssetPatch{Storage: &store.AssetStorage{
		IPFS: &ipfs,
		Status: &store.StorageStatus{
			Phase:    store.StorageReady,
			Progress: 1,
			Tasks:    store.StorageTasks{Last: task.ID},
		},
	}})
	return err
}

// processTaskProgress moves a waiting task to running and records progress.
// Finished tasks are left alone.
func (s *Scheduler) processTaskProgress(ctx context.Context, p *events.TaskProgress) error {
	task, err := s.store.Tasks.Get(ctx, p.Task.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get task %s: %w", p.Task.ID, err)
	}
	if task.Status.Phase.Terminal() {
		return nil
	}

	st := task.Status
	st.Phase = store.TaskRunning
	st.Progress = p.Progress
	st.Step = p.Step
	st.UpdatedAt = s.now().UnixMilli()
	_, err = s.UpdateTask(ctx, task, TaskPatch{Status: &st}, store.TaskWaiting, store.TaskRunning)
	return err
}
