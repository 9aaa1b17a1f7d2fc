package store

import (
	"encoding/json"
	"fmt"
)

type TaskPhase string

const (
	TaskPending   TaskPhase = "pending"
	TaskWaiting   TaskPhase = "waiting"
	TaskRunning   TaskPhase = "running"
	TaskCompleted TaskPhase = "completed"
	TaskFailed    TaskPhase = "failed"
)

func (p TaskPhase) Terminal() bool {
	return p == TaskCompleted || p == TaskFailed
}

// ActiveTaskPhases are the phases a task may still move out of.
var ActiveTaskPhases = []TaskPhase{TaskPending, TaskWaiting, TaskRunning}

type TaskType string

const (
	TaskImport        TaskType = "import"
	TaskUpload        TaskType = "upload"
	TaskTranscode     TaskType = "transcode"
	TaskTranscodeFile TaskType = "transcode-file"
	TaskExport        TaskType = "export"
	TaskExportData    TaskType = "export-data"
	TaskClip          TaskType = "clip"
)

var TaskTypes = []TaskType{
	TaskImport, TaskUpload, TaskTranscode, TaskTranscodeFile, TaskExport, TaskExportData, TaskClip,
}

func (t TaskType) Valid() bool {
	for _, v := range TaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Task struct {
	ID            string      `json:"id"`
	Type          TaskType    `json:"type"`
	CreatedAt     int64       `json:"createdAt"`
	UserID        string      `json:"userId"`
	RequesterID   string      `json:"requesterId,omitempty"`
	InputAssetID  string      `json:"inputAssetId,omitempty"`
	OutputAssetID string      `json:"outputAssetId,omitempty"`
	Params        TaskParams  `json:"params"`
	Status        TaskStatus  `json:"status"`
	Output        *TaskOutput `json:"output,omitempty"`
	Deleted       bool        `json:"deleted,omitempty"`
}

func (t Task) DocID() string { return t.ID }

type TaskStatus struct {
	Phase        TaskPhase `json:"phase"`
	UpdatedAt    int64     `json:"updatedAt"`
	Progress     float64   `json:"progress,omitempty"`
	Step         string    `json:"step,omitempty"`
	Retries      int       `json:"retries,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// TaskParams holds exactly one member, the one named by the task type.
type TaskParams struct {
	Import        *ImportParams        `json:"import,omitempty"`
	Upload        *UploadParams        `json:"upload,omitempty"`
	Transcode     *TranscodeParams     `json:"transcode,omitempty"`
	TranscodeFile *TranscodeFileParams `json:"transcode-file,omitempty"`
	Export        *ExportParams        `json:"export,omitempty"`
	ExportData    *ExportDataParams    `json:"export-data,omitempty"`
	Clip          *ClipParams          `json:"clip,omitempty"`
}

func (p TaskParams) Validate(t TaskType) error {
	set := map[TaskType]bool{
		TaskImport:        p.Import != nil,
		TaskUpload:        p.Upload != nil,
		TaskTranscode:     p.Transcode != nil,
		TaskTranscodeFile: p.TranscodeFile != nil,
		TaskExport:        p.Export != nil,
		TaskExportData:    p.ExportData != nil,
		TaskClip:          p.Clip != nil,
	}
	if !t.Valid() {
		return fmt.Errorf("unknown task type %q", t)
	}
	for typ, ok := range set {
		if ok && typ != t {
			return fmt.Errorf("params for %q set on a %q task", typ, t)
		}
	}
	if !set[t] {
		return fmt.Errorf("missing %q params", t)
	}
	return nil
}

type Encryption struct {
	EncryptedKey string `json:"encryptedKey"`
}

type ImportParams struct {
	URL                   string      `json:"url,omitempty"`
	UploadedObjectKey     string      `json:"uploadedObjectKey,omitempty"`
	Encryption            *Encryption `json:"encryption,omitempty"`
	RecordedSessionID     string      `json:"recordedSessionId,omitempty"`
	Profiles              []Profile   `json:"profiles,omitempty"`
	TargetSegmentSizeSecs int         `json:"targetSegmentSizeSecs,omitempty"`
}

type UploadParams = ImportParams

type Profile struct {
	Name    string `json:"name"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Bitrate int    `json:"bitrate"`
	FPS     int    `json:"fps,omitempty"`
}

type TranscodeParams struct {
	Profile Profile `json:"profile"`
}

type TranscodeFileParams struct {
	Input                 URLRef          `json:"input"`
	Storage               URLRef          `json:"storage"`
	Outputs               json.RawMessage `json:"outputs,omitempty"`
	Profiles              []Profile       `json:"profiles,omitempty"`
	TargetSegmentSizeSecs int             `json:"targetSegmentSizeSecs,omitempty"`
	CreatorID             string          `json:"creatorId,omitempty"`
}

type URLRef struct {
	URL string `json:"url"`
}

type ExportParams struct {
	IPFS   *IPFSSpec         `json:"ipfs,omitempty"`
	Custom *CustomExportSpec `json:"custom,omitempty"`
}

type IPFSSpec struct {
	NFTMetadata json.RawMessage `json:"nftMetadata,omitempty"`
	Pinata      json.RawMessage `json:"pinata,omitempty"`
}

type CustomExportSpec struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type ExportDataParams struct {
	Content json.RawMessage `json:"content"`
	IPFS    *IPFSSpec       `json:"ipfs,omitempty"`
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
}

type ClipParams struct {
	URL        string `json:"url"`
	StartTime  int64  `json:"startTime"`
	EndTime    int64  `json:"endTime"`
	PlaybackID string `json:"playbackId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	InputID    string `json:"inputId,omitempty"`
}

// TaskOutput mirrors TaskParams: one member per task type.
type TaskOutput struct {
	Import        *AssetSpecOutput    `json:"import,omitempty"`
	Upload        *AssetSpecOutput    `json:"upload,omitempty"`
	Transcode     *WrappedAssetOutput `json:"transcode,omitempty"`
	TranscodeFile json.RawMessage     `json:"transcode-file,omitempty"`
	Export        *ExportOutput       `json:"export,omitempty"`
	ExportData    *ExportOutput       `json:"export-data,omitempty"`
	Clip          *WrappedAssetOutput `json:"clip,omitempty"`
}

type AssetSpecOutput struct {
	AssetSpec *AssetSpec `json:"assetSpec,omitempty"`
}

type WrappedAssetOutput struct {
	Asset *AssetSpecOutput `json:"asset,omitempty"`
}

// AssetSpec is what a job worker reports about the media it produced.
type AssetSpec struct {
	Size                int64           `json:"size,omitempty"`
	Hash                []AssetHash     `json:"hash,omitempty"`
	VideoSpec           json.RawMessage `json:"videoSpec,omitempty"`
	Files               []AssetFile     `json:"files,omitempty"`
	PlaybackRecordingID string          `json:"playbackRecordingId,omitempty"`
}

type AssetHash struct {
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm,omitempty"`
}

type AssetFile struct {
	Type string          `json:"type"`
	Path string          `json:"path"`
	Spec json.RawMessage `json:"spec,omitempty"`
}

type ExportOutput struct {
	IPFS *IPFSResult `json:"ipfs,omitempty"`
}

type IPFSResult struct {
	VideoFileCID          string          `json:"videoFileCid"`
	VideoFileURL          string          `json:"videoFileUrl,omitempty"`
	VideoFileGatewayURL   string          `json:"videoFileGatewayUrl,omitempty"`
	NFTMetadataCID        string          `json:"nftMetadataCid,omitempty"`
	NFTMetadataURL        string          `json:"nftMetadataUrl,omitempty"`
	NFTMetadataGatewayURL string          `json:"nftMetadataGatewayUrl,omitempty"`
	Extra                 json.RawMessage `json:"extra,omitempty"`
}

type AssetPhase string

const (
	AssetWaiting  AssetPhase = "waiting"
	AssetReady    AssetPhase = "ready"
	AssetFailed   AssetPhase = "failed"
	AssetDeleting AssetPhase = "deleting"
	AssetDeleted  AssetPhase = "deleted"
)

type StoragePhase string

const (
	StorageWaiting  StoragePhase = "waiting"
	StorageReady    StoragePhase = "ready"
	StorageFailed   StoragePhase = "failed"
	StorageReverted StoragePhase = "reverted"
)

type Asset struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type,omitempty"`
	PlaybackID          string          `json:"playbackId,omitempty"`
	UserID              string          `json:"userId"`
	CreatedAt           int64           `json:"createdAt"`
	Name                string          `json:"name,omitempty"`
	Source              AssetSource     `json:"source"`
	ObjectStoreID       string          `json:"objectStoreId,omitempty"`
	Status              AssetStatus     `json:"status"`
	Size                int64           `json:"size,omitempty"`
	Hash                []AssetHash     `json:"hash,omitempty"`
	VideoSpec           json.RawMessage `json:"videoSpec,omitempty"`
	Files               []AssetFile     `json:"files,omitempty"`
	PlaybackRecordingID string          `json:"playbackRecordingId,omitempty"`
	Storage             *AssetStorage   `json:"storage,omitempty"`
	Deleted             bool            `json:"deleted,omitempty"`
	DeletedAt           int64           `json:"deletedAt,omitempty"`
}

func (a Asset) DocID() string { return a.ID }

type AssetSource struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// ObjectStoreID is where a recording source is read from.
	ObjectStoreID string `json:"objectStoreId,omitempty"`
}

type AssetStatus struct {
	Phase        AssetPhase `json:"phase"`
	UpdatedAt    int64      `json:"updatedAt"`
	Progress     float64    `json:"progress,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

type AssetStorage struct {
	IPFS   *IPFSStorage   `json:"ipfs,omitempty"`
	Status *StorageStatus `json:"status,omitempty"`
}

// IPFSStorage keeps the requested spec next to the last spec that exported
// successfully so a failed export can be rolled back.
type IPFSStorage struct {
	Spec        *IPFSSpec    `json:"spec,omitempty"`
	SuccessSpec *IPFSSpec    `json:"successSpec,omitempty"`
	CID         string       `json:"cid,omitempty"`
	URL         string       `json:"url,omitempty"`
	GatewayURL  string       `json:"gatewayUrl,omitempty"`
	NFTMetadata *IPFSFileRef `json:"nftMetadata,omitempty"`
	UpdatedAt   int64        `json:"updatedAt,omitempty"`
}

type IPFSFileRef struct {
	CID        string `json:"cid"`
	URL        string `json:"url,omitempty"`
	GatewayURL string `json:"gatewayUrl,omitempty"`
}

type StorageStatus struct {
	Phase        StoragePhase `json:"phase"`
	Progress     float64      `json:"progress,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Tasks        StorageTasks `json:"tasks"`
}

type StorageTasks struct {
	Pending string `json:"pending,omitempty"`
	Last    string `json:"last,omitempty"`
	Failed  string `json:"failed,omitempty"`
}

type Webhook struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Event        string        `json:"event"`
	SharedSecret string        `json:"sharedSecret,omitempty"`
	CreatedAt    int64         `json:"createdAt"`
	Deleted      bool          `json:"deleted,omitempty"`
	Status       WebhookStatus `json:"status"`
}

func (w Webhook) DocID() string { return w.ID }

type WebhookStatus struct {
	LastTriggeredAt         int64           `json:"lastTriggeredAt,omitempty"`
	LastFailure             *WebhookFailure `json:"lastFailure,omitempty"`
	LastFailureNotification int64           `json:"lastFailureNotification,omitempty"`
}

type WebhookFailure struct {
	Timestamp  int64  `json:"timestamp"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
	Response   string `json:"response,omitempty"`
}

type WebhookResponse struct {
	ID         string                `json:"id"`
	WebhookID  string                `json:"webhookId"`
	EventID    string                `json:"eventId"`
	UserID     string                `json:"userId"`
	CreatedAt  int64                 `json:"createdAt"`
	Duration   float64               `json:"duration"`
	StatusCode int                   `json:"statusCode"`
	Request    WebhookRequestRecord  `json:"request"`
	Response   WebhookResponseRecord `json:"response"`
}

func (r WebhookResponse) DocID() string { return r.ID }

type WebhookRequestRecord struct {
	URL     string              `json:"url"`
	Method  string              `json:"method"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body"`
}

type WebhookResponseRecord struct {
	Body       string              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Redirected bool                `json:"redirected"`
	Status     int                 `json:"status"`
	StatusText string              `json:"statusText"`
}

type Stream struct {
	ID                  string `json:"id"`
	UserID              string `json:"userId"`
	Name                string `json:"name,omitempty"`
	PlaybackID          string `json:"playbackId,omitempty"`
	StreamKey           string `json:"streamKey,omitempty"`
	ParentID            string `json:"parentId,omitempty"`
	SessionID           string `json:"sessionId,omitempty"`
	IsActive            bool   `json:"isActive"`
	LastSeen            int64  `json:"lastSeen,omitempty"`
	Record              bool   `json:"record,omitempty"`
	RecordObjectStoreID string `json:"recordObjectStoreId,omitempty"`
	CreatedAt           int64  `json:"createdAt"`
	Deleted             bool   `json:"deleted,omitempty"`
}

func (s Stream) DocID() string { return s.ID }

// Sanitized returns a copy safe to hand to third parties.
func (s Stream) Sanitized() Stream {
	s.StreamKey = ""
	s.RecordObjectStoreID = ""
	return s
}

type Session struct {
	ID                  string `json:"id"`
	UserID              string `json:"userId"`
	ParentID            string `json:"parentId"`
	PlaybackID          string `json:"playbackId,omitempty"`
	Name                string `json:"name,omitempty"`
	LastSeen            int64  `json:"lastSeen"`
	SourceBytes         int64  `json:"sourceBytes,omitempty"`
	TranscodedBytes     int64  `json:"transcodedBytes,omitempty"`
	Record              bool   `json:"record,omitempty"`
	RecordObjectStoreID string `json:"recordObjectStoreId,omitempty"`
	CreatedAt           int64  `json:"createdAt"`
}

func (s Session) DocID() string { return s.ID }

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
	Suspended bool   `json:"suspended,omitempty"`
}

func (u User) DocID() string { return u.ID }
