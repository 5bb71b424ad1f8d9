package inference

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/deepdistill/internal/model"
)

// Predictor は推論エンドポイントの呼び出しを抽象化する。
type Predictor interface {
	Predict(ctx context.Context, token string, file *model.ImageUpload) (*model.PredictionResult, error)
}

// ErrSuperseded は実行中にファイルの差し替えやリセットが行われ、結果を破棄したことを表す。
var ErrSuperseded = errors.New("inference run superseded")

// Candidate は選択中のアップロード候補。
// PreviewID はプレビューURLの識別子で、候補が差し替わると無効になる。
type Candidate struct {
	PreviewID string
	Upload    *model.ImageUpload
}

// Snapshot は描画用のワークスペースの状態。
type Snapshot struct {
	PreviewID   string
	Filename    string
	ContentType string
	Size        int64
	HasFile     bool
	Result      *model.PredictionResult
	Error       string
	Running     bool
}

// CanRun は推論ボタンを押せる状態かどうかを返す。
func (s Snapshot) CanRun() bool {
	return s.HasFile && !s.Running
}

// Workspace は1セッション分の推論画面の状態を保持する。
// 候補の差し替え・リセットは実行中の推論をキャンセルし、その応答は破棄する。
type Workspace struct {
	mu        sync.Mutex
	candidate *Candidate
	result    *model.PredictionResult
	errMsg    string

	// epochは候補の差し替え・リセットのたびに進める
	epoch     uint64
	running   bool
	cancelRun context.CancelFunc
}

// NewWorkspace は空のWorkspaceを生成する。
func NewWorkspace() *Workspace {
	return &Workspace{}
}

// Select はファイル選択を処理する。
// 検証に失敗した場合は直前の候補・結果を維持したままエラーメッセージだけを設定する。
// 成功した場合は候補を差し替え（旧プレビューは無効化）、前回の結果を消す。
func (w *Workspace) Select(u *model.ImageUpload) error {
	if err := ValidateUpload(u); err != nil {
		w.mu.Lock()
		w.errMsg = model.DisplayMessage(err, model.MessageUnsupportedFileType)
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.supersedeLocked()
	w.candidate = &Candidate{PreviewID: uuid.NewString(), Upload: u}
	w.result = nil
	w.errMsg = ""
	return nil
}

// Reset は候補と結果を破棄する。
func (w *Workspace) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.supersedeLocked()
	w.candidate = nil
	w.result = nil
	w.errMsg = ""
}

// supersedeLocked は実行中の推論をキャンセルし、世代を進める。
func (w *Workspace) supersedeLocked() {
	w.epoch++
	if w.cancelRun != nil {
		w.cancelRun()
		w.cancelRun = nil
	}
	w.running = false
}

// Run は選択中の候補で推論を1回実行する。
// 候補が無い場合はValidationRejected、実行中の場合はRequestInFlightを返し、リクエストは送らない。
// 失敗した場合は直前の成功結果を維持し、固定の汎用メッセージを設定する。
// 応答を待つ間に候補が差し替わった場合はErrSupersededを返し、応答は破棄する。
func (w *Workspace) Run(ctx context.Context, p Predictor, token string) (*model.PredictionResult, error) {
	w.mu.Lock()
	if w.candidate == nil {
		w.errMsg = model.MessageNoFileSelected
		w.mu.Unlock()
		return nil, model.NewValidationRejectedError(model.MessageNoFileSelected)
	}
	if w.running {
		w.mu.Unlock()
		return nil, model.NewRequestInFlightError()
	}

	runCtx, cancel := context.WithCancel(ctx)
	epoch := w.epoch
	upload := w.candidate.Upload
	w.running = true
	w.cancelRun = cancel
	w.mu.Unlock()

	res, err := p.Predict(runCtx, token, upload)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.epoch != epoch {
		return nil, ErrSuperseded
	}
	w.running = false
	w.cancelRun = nil

	if err != nil {
		w.errMsg = model.MessageInferenceFailed
		return nil, err
	}
	w.result = res
	w.errMsg = ""
	return res, nil
}

// Preview はpreviewIDが現在の候補のものであれば画像を返す。
// 差し替え・リセット済みのIDはfalse。
func (w *Workspace) Preview(previewID string) (*model.ImageUpload, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.candidate == nil || previewID == "" || w.candidate.PreviewID != previewID {
		return nil, false
	}
	return w.candidate.Upload, true
}

// Close は実行中の推論をキャンセルする。セッション破棄時に呼ぶ。
func (w *Workspace) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.supersedeLocked()
}

// Snapshot は現在の状態を返す。
func (w *Workspace) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		Result:  w.result,
		Error:   w.errMsg,
		Running: w.running,
	}
	if w.candidate != nil {
		s.HasFile = true
		s.PreviewID = w.candidate.PreviewID
		s.Filename = w.candidate.Upload.Filename
		s.ContentType = w.candidate.Upload.ContentType
		s.Size = w.candidate.Upload.Size()
	}
	return s
}
