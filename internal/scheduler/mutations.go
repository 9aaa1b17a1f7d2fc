package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/dedezza1D/hookflow/internal/apierr"
	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskPatch is merged into the stored task at the top level, so nested
// objects must be passed whole.
type TaskPatch struct {
	Status *store.TaskStatus `json:"status,omitempty"`
	Params *store.TaskParams `json:"params,omitempty"`
	Output *store.TaskOutput `json:"output,omitempty"`
}

type AssetPatch struct {
	Status              *store.AssetStatus  `json:"status,omitempty"`
	Size                int64               `json:"size,omitempty"`
	Hash                []store.AssetHash   `json:"hash,omitempty"`
	VideoSpec           json.RawMessage     `json:"videoSpec,omitempty"`
	Files               []store.AssetFile   `json:"files,omitempty"`
	PlaybackRecordingID string              `json:"playbackRecordingId,omitempty"`
	Storage             *store.AssetStorage `json:"storage,omitempty"`
	Deleted             bool                `json:"deleted,omitempty"`
	DeletedAt           int64               `json:"deletedAt,omitempty"`
}

// UpdateTask applies patch only while the task is in one of allowed (any
// phase when empty). It returns nil without error when the precondition
// failed: someone else already moved the task.
func (s *Scheduler) UpdateTask(ctx context.Context, task *store.Task, patch TaskPatch, allowed ...store.TaskPhase) (*store.Task, error) {
	if patch.Status != nil && patch.Status.Phase.Terminal() {
		if p := redactedParams(task); p != nil {
			patch.Params = p
		}
	}

	var conds []store.Cond
	if len(allowed) > 0 {
		conds = append(conds, store.In("status.phase", allowed...))
	}
	n, err := s.store.Tasks.Update(ctx, task.ID, patch, conds...)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if n == 0 {
		s.logger.Debug("task update precondition failed", zap.String("task_id", task.ID))
		return nil, nil
	}

	updated, err := mergePatch(task, patch)
	if err != nil {
		return nil, err
	}

	if err := s.publishTaskEvent(ctx, events.TaskUpdated, updated); err != nil {
		return nil, err
	}
	if patch.Status != nil && patch.Status.Phase != task.Status.Phase {
		switch patch.Status.Phase {
		case store.TaskCompleted:
			err = s.publishTaskEvent(ctx, events.TaskCompleted, updated)
		case store.TaskFailed:
			err = s.publishTaskEvent(ctx, events.TaskFailed, updated)
		}
		if err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// UpdateAsset has the same contract as UpdateTask. A patch without a status
// still bumps status.updatedAt.
func (s *Scheduler) UpdateAsset(ctx context.Context, asset *store.Asset, patch AssetPatch, allowed ...store.AssetPhase) (*store.Asset, error) {
	if patch.Status == nil {
		st := asset.Status
		st.UpdatedAt = s.now().UnixMilli()
		patch.Status = &st
	}

	var conds []store.Cond
	if len(allowed) > 0 {
		conds = append(conds, store.In("status.phase", allowed...))
	}
	n, err := s.store.Assets.Update(ctx, asset.ID, patch, conds...)
	if err != nil {
		return nil, fmt.Errorf("update asset %s: %w", asset.ID, err)
	}
	if n == 0 {
		s.logger.Debug("asset update precondition failed", zap.String("asset_id", asset.ID))
		return nil, nil
	}

	updated, err := mergePatch(asset, patch)
	if err != nil {
		return nil, err
	}

	if err := s.publishAssetEvent(ctx, events.AssetUpdated, updated); err != nil {
		return nil, err
	}
	if patch.Status.Phase != asset.Status.Phase {
		switch patch.Status.Phase {
		case store.AssetReady:
			err = s.publishAssetEvent(ctx, events.AssetReady, updated)
		case store.AssetFailed:
			err = s.publishAssetEvent(ctx, events.AssetFailed, updated)
		}
		if err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// CreateAsset stores a new asset in phase waiting unless a phase is already
// set, and publishes asset.created.
func (s *Scheduler) CreateAsset(ctx context.Context, asset *store.Asset) (*store.Asset, error) {
	now := s.now().UnixMilli()
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if asset.CreatedAt == 0 {
		asset.CreatedAt = now
	}
	if asset.Status.Phase == "" {
		asset.Status = store.AssetStatus{Phase: store.AssetWaiting, UpdatedAt: now}
	}
	if err := s.store.Assets.Create(ctx, asset); err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	if err := s.publishAssetEvent(ctx, events.AssetCreated, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

func (s *Scheduler) DeleteAsset(ctx context.Context, id string) error {
	asset, err := s.store.Assets.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound("asset not found")
	}
	if err != nil {
		return err
	}
	if asset.Deleted {
		return apierr.NotFound("asset not found")
	}

	now := s.now().UnixMilli()
	st := asset.Status
	st.Phase = store.AssetDeleting
	st.UpdatedAt = now
	updated, err := s.UpdateAsset(ctx, asset, AssetPatch{Status: &st, Deleted: true, DeletedAt: now})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return s.publishAssetEvent(ctx, events.AssetDeleted, updated)
}

func (s *Scheduler) publishTaskEvent(ctx context.Context, key events.EventKey, task *store.Task) error {
	return s.publishEvent(ctx, key, task.UserID, events.TaskPayload{Task: events.InfoOf(task)})
}

func (s *Scheduler) publishAssetEvent(ctx context.Context, key events.EventKey, asset *store.Asset) error {
	return s.publishEvent(ctx, key, asset.UserID, events.AssetPayloadOf(asset))
}

func (s *Scheduler) publishEvent(ctx context.Context, key events.EventKey, userID string, payload any) error {
	ev, err := events.NewWebhookEvent(key, userID, payload, s.now())
	if err != nil {
		return err
	}
	if err := s.queue.Publish(ctx, events.EventRoutingKey(key), ev); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// mergePatch applies patch to a copy of doc with the same top-level merge the
// store performs.
func mergePatch[T any](doc *T, patch any) (*T, error) {
	base, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, err
	}
	for k, v := range changes {
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// redactedParams strips credentials from transcode-file URLs. It returns nil
// for every other task type.
func redactedParams(task *store.Task) *store.TaskParams {
	if task.Type != store.TaskTranscodeFile || task.Params.TranscodeFile == nil {
		return nil
	}
	p := *task.Params.TranscodeFile
	p.Input.URL = redactURL(p.Input.URL)
	p.Storage.URL = redactURL(p.Storage.URL)
	return &store.TaskParams{TranscodeFile: &p}
}

// redactURL drops userinfo and the query string, where signed-URL secrets
// live. Unparseable URLs are dropped entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String()
}
