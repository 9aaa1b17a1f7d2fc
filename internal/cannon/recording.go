package cannon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dedezza1D/hookflow/internal/apierr"
	"github.com/dedezza1D/hookflow/internal/scheduler"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandleRecordingWaitingChecks confirms a session has really ended before
// its recording is turned into a VOD asset. A session that still looks
// active gets one recheck after RecordingRecheckDelay. Unprocessable errors
// mean the event should be dropped; any other error is worth retrying.
func (c *Cannon) HandleRecordingWaitingChecks(ctx context.Context, sessionID string, isRetry bool) error {
	if sessionID == "" {
		return apierr.Unprocessable("recording.waiting event without session id")
	}

	session, err := c.store.Sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.Unprocessable("session not found")
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	activeSince := c.now().Add(-c.cfg.SessionActivityTimeout).UnixMilli()
	if session.LastSeen > activeSince {
		if isRetry {
			return apierr.Unprocessable("session is still active")
		}
		c.logger.Info("session still active; rechecking", zap.String("session_id", sessionID), zap.Duration("delay", c.cfg.RecordingRecheckDelay))
		if err := c.sleep(ctx, c.cfg.RecordingRecheckDelay); err != nil {
			return err
		}
		return c.HandleRecordingWaitingChecks(ctx, sessionID, true)
	}

	if session.LastSeen == 0 || session.SourceBytes == 0 {
		return apierr.Unprocessable("session is unused")
	}

	objectStore := session.RecordObjectStoreID
	if objectStore == "" {
		objectStore = c.cfg.RecordCatalystObjectStoreID
	}
	if objectStore == "" || c.cfg.RecordingBaseURL == "" {
		return apierr.Unprocessable("recording storage is not configured")
	}

	// the recording asset shares the session id
	if existing, err := c.store.Assets.Get(ctx, sessionID); err == nil {
		return c.resumeRecording(ctx, existing, session)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get asset: %w", err)
	}

	if err := c.deactivateStreams(ctx, sessionID); err != nil {
		return err
	}

	asset, err := c.scheduler.CreateAsset(ctx, &store.Asset{
		ID:         sessionID,
		Type:       "video",
		PlaybackID: newPlaybackID(),
		UserID:     session.UserID,
		Name:       recordingName(session),
		Source: store.AssetSource{
			Type:          "recording",
			SessionID:     sessionID,
			ObjectStoreID: objectStore,
		},
		ObjectStoreID: c.cfg.VODObjectStoreID,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return apierr.Unprocessable("session recording already handled")
	}
	if err != nil {
		return err
	}
	return c.spawnRecordingUpload(ctx, asset, session)
}

// resumeRecording finishes a handoff that stopped after the recording asset
// was created: the upload task is spawned, or enqueued when it was spawned
// but never queued. Anything further along counts as handled.
func (c *Cannon) resumeRecording(ctx context.Context, asset *store.Asset, session *store.Session) error {
	if asset.Source.Type != "recording" || asset.Status.Phase != store.AssetWaiting {
		return apierr.Unprocessable("session recording already handled")
	}

	tasks, err := c.store.Tasks.Find(ctx, store.Query{Where: []store.Cond{
		store.Eq("outputAssetId", asset.ID),
		store.Eq("type", string(store.TaskUpload)),
	}})
	if err != nil {
		return fmt.Errorf("find recording upload: %w", err)
	}
	if len(tasks) == 0 {
		return c.spawnRecordingUpload(ctx, asset, session)
	}
	for i := range tasks {
		if tasks[i].Status.Phase != store.TaskPending {
			return apierr.Unprocessable("session recording already handled")
		}
	}

	task, err := c.scheduler.EnqueueTask(ctx, &tasks[0], 0)
	if err != nil {
		return fmt.Errorf("enqueue recording upload: %w", err)
	}
	c.logger.Info("recording upload resumed",
		zap.String("session_id", session.ID),
		zap.String("asset_id", asset.ID),
		zap.String("task_id", task.ID),
	)
	return nil
}

func (c *Cannon) spawnRecordingUpload(ctx context.Context, asset *store.Asset, session *store.Session) error {
	task, err := c.scheduler.SpawnAndEnqueue(ctx, scheduler.SpawnParams{
		Type:          store.TaskUpload,
		UserID:        session.UserID,
		OutputAssetID: asset.ID,
		Params: store.TaskParams{Upload: &store.UploadParams{
			URL:               recordingURL(c.cfg.RecordingBaseURL, session),
			RecordedSessionID: session.ID,
		}},
	})
	if err != nil {
		return fmt.Errorf("spawn recording upload: %w", err)
	}

	c.logger.Info("recording handed to vod",
		zap.String("session_id", session.ID),
		zap.String("asset_id", asset.ID),
		zap.String("task_id", task.ID),
		zap.String("source_object_store_id", asset.Source.ObjectStoreID),
	)
	return nil
}

func (c *Cannon) deactivateStreams(ctx context.Context, sessionID string) error {
	streams, err := c.store.Streams.Find(ctx, store.Query{
		Where: []store.Cond{store.Eq("sessionId", sessionID), store.Eq("isActive", "true")},
	})
	if err != nil {
		return fmt.Errorf("find session streams: %w", err)
	}
	for _, s := range streams {
		if _, err := c.store.Streams.Update(ctx, s.ID, map[string]any{"isActive": false}, store.Eq("isActive", "true")); err != nil {
			return fmt.Errorf("deactivate stream %s: %w", s.ID, err)
		}
	}
	return nil
}

func recordingURL(base string, s *store.Session) string {
	return strings.TrimRight(base, "/") + "/" + s.PlaybackID + "/" + s.ID + "/output.m3u8"
}

func recordingName(s *store.Session) string {
	if s.Name == "" {
		return "Live recording " + s.ID
	}
	return s.Name + " (recording)"
}

func newPlaybackID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
