package inference

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/deepdistill/internal/model"
)

// mockPredictor はPredictorのモック。
type mockPredictor struct {
	calls       atomic.Int32
	predictFunc func(ctx context.Context, token string, file *model.ImageUpload) (*model.PredictionResult, error)
}

func (m *mockPredictor) Predict(ctx context.Context, token string, file *model.ImageUpload) (*model.PredictionResult, error) {
	m.calls.Add(1)
	return m.predictFunc(ctx, token, file)
}

func upload(contentType string, size int64) *model.ImageUpload {
	return &model.ImageUpload{
		Filename:    "image",
		ContentType: contentType,
		Data:        bytes.Repeat([]byte{0xff}, int(size)),
	}
}

func resultWith(className string) *model.PredictionResult {
	return &model.PredictionResult{Models: map[string][]model.Prediction{
		"b0_aktp_tiny": {{ClassID: 1, ClassName: className, Probability: 90}},
	}}
}

func TestValidateUpload_SizeBoundary(t *testing.T) {
	if err := ValidateUpload(upload("image/png", 5*1024*1024)); err != nil {
		t.Errorf("exactly 5 MiB should be accepted, got %v", err)
	}

	err := ValidateUpload(upload("image/png", 5*1024*1024+1))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Reason != RejectTooLarge {
		t.Fatalf("5 MiB + 1 byte should be rejected as too large, got %v", err)
	}
	if !model.HasCode(err, model.ErrCodeValidationRejected) {
		t.Errorf("error code should be VALIDATION_REJECTED: %v", err)
	}
}

func TestValidateUpload_ContentTypes(t *testing.T) {
	tests := []struct {
		contentType string
		ok          bool
	}{
		{"image/jpeg", true},
		{"image/png", true},
		{"image/jpg", true},
		{"IMAGE/PNG", true},
		{"image/jpeg; charset=binary", true},
		{"image/gif", false},
		{"image/webp", false},
		{"application/pdf", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateUpload(upload(tt.contentType, 10))
		if (err == nil) != tt.ok {
			t.Errorf("ValidateUpload(%q) error = %v, want ok=%v", tt.contentType, err, tt.ok)
		}
		if !tt.ok && model.DisplayMessage(err, "") != model.MessageUnsupportedFileType {
			t.Errorf("message = %q", model.DisplayMessage(err, ""))
		}
	}
}

func TestValidateUpload_NoFile(t *testing.T) {
	var ve *ValidationError
	if err := ValidateUpload(nil); !errors.As(err, &ve) || ve.Reason != RejectNoFile {
		t.Errorf("nil upload should be rejected as no_file, got %v", err)
	}
	if err := ValidateUpload(&model.ImageUpload{}); !errors.As(err, &ve) || ve.Reason != RejectNoFile {
		t.Errorf("empty upload should be rejected as no_file, got %v", err)
	}
}

func TestWorkspace_RejectedFileNeverReachesPredictor(t *testing.T) {
	w := NewWorkspace()
	p := &mockPredictor{predictFunc: func(context.Context, string, *model.ImageUpload) (*model.PredictionResult, error) {
		return resultWith("cat"), nil
	}}

	if err := w.Select(upload("image/gif", 10)); err == nil {
		t.Fatal("gif should be rejected")
	}
	if _, err := w.Run(context.Background(), p, ""); !model.HasCode(err, model.ErrCodeValidationRejected) {
		t.Errorf("Run without a valid file should be rejected, got %v", err)
	}
	if p.calls.Load() != 0 {
		t.Errorf("predictor calls = %d, want 0", p.calls.Load())
	}
}

func TestWorkspace_InvalidSelectionKeepsPreviousState(t *testing.T) {
	w := NewWorkspace()
	p := &mockPredictor{predictFunc: func(context.Context, string, *model.ImageUpload) (*model.PredictionResult, error) {
		return resultWith("cat"), nil
	}}

	if err := w.Select(upload("image/png", 10)); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	before := w.Snapshot()
	if _, err := w.Run(context.Background(), p, "tok"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if err := w.Select(upload("image/png", MaxUploadSize+1)); err == nil {
		t.Fatal("oversized file should be rejected")
	}
	after := w.Snapshot()
	if after.PreviewID != before.PreviewID {
		t.Error("rejected selection must not replace the candidate")
	}
	if after.Result == nil {
		t.Error("rejected selection must not clear the previous result")
	}
	if after.Error != model.MessageFileTooLarge {
		t.Errorf("Error = %q, want %q", after.Error, model.MessageFileTooLarge)
	}
}

func TestWorkspace_SelectReplacesPreviewAndClearsResult(t *testing.T) {
	w := NewWorkspace()
	p := &mockPredictor{predictFunc: func(context.Context, string, *model.ImageUpload) (*model.PredictionResult, error) {
		return resultWith("cat"), nil
	}}

	first := upload("image/png", 10)
	w.Select(first)
	oldID := w.Snapshot().PreviewID
	w.Run(context.Background(), p, "")

	w.Select(upload("image/jpeg", 20))
	s := w.Snapshot()
	if s.PreviewID == oldID {
		t.Error("new selection should get a new preview ID")
	}
	if s.Result != nil {
		t.Error("new selection should clear the previous result")
	}
	if _, ok := w.Preview(oldID); ok {
		t.Error("released preview ID must not be served")
	}
	if got, ok := w.Preview(s.PreviewID); !ok || got.Size() != 20 {
		t.Errorf("current preview = %v, %v", got, ok)
	}
}

func TestWorkspace_FailedRunKeepsPreviousResult(t *testing.T) {
	w := NewWorkspace()
	fail := false
	p := &mockPredictor{predictFunc: func(context.Context, string, *model.ImageUpload) (*model.PredictionResult, error) {
		if fail {
			return nil, model.NewNetworkFailureError(errors.New("connection refused"))
		}
		return resultWith("cat"), nil
	}}

	w.Select(upload("image/png", 10))
	if _, err := w.Run(context.Background(), p, ""); err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}

	fail = true
	if _, err := w.Run(context.Background(), p, ""); err == nil {
		t.Fatal("second Run should fail")
	}
	s := w.Snapshot()
	if s.Result == nil || s.Result.Models["b0_aktp_tiny"][0].ClassName != "cat" {
		t.Error("failed run must keep the previous successful result")
	}
	if s.Error != model.MessageInferenceFailed {
		t.Errorf("Error = %q, want %q", s.Error, model.MessageInferenceFailed)
	}
	if p.calls.Load() != 2 {
		t.Errorf("predictor calls = %d, want 2 (no retry)", p.calls.Load())
	}
}

func TestWorkspace_SecondRunWhileInFlightIsRejected(t *testing.T) {
	w := NewWorkspace()
	started := make(chan struct{})
	release := make(chan struct{})
	p := &mockPredictor{predictFunc: func(ctx context.Context, _ string, _ *model.ImageUpload) (*model.PredictionResult, error) {
		close(started)
		<-release
		return resultWith("cat"), nil
	}}

	w.Select(upload("image/png", 10))

	done := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), p, "")
		done <- err
	}()
	<-started

	if !w.Snapshot().Running {
		t.Error("Snapshot should report Running while in flight")
	}
	if w.Snapshot().CanRun() {
		t.Error("CanRun should be false while in flight")
	}
	if _, err := w.Run(context.Background(), p, ""); !model.HasCode(err, model.ErrCodeRequestInFlight) {
		t.Errorf("second Run error = %v, want REQUEST_IN_FLIGHT", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("predictor calls = %d, want 1", p.calls.Load())
	}
}

func TestWorkspace_ResetCancelsAndDiscardsInFlightRun(t *testing.T) {
	w := NewWorkspace()
	started := make(chan struct{})
	p := &mockPredictor{predictFunc: func(ctx context.Context, _ string, _ *model.ImageUpload) (*model.PredictionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	w.Select(upload("image/png", 10))

	done := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), p, "")
		done <- err
	}()
	<-started

	w.Reset()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("Run error = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reset should cancel the in-flight run")
	}

	s := w.Snapshot()
	if s.HasFile || s.Result != nil || s.Error != "" || s.Running {
		t.Errorf("snapshot after reset = %+v", s)
	}
}

func TestWorkspace_ResponseAfterNewSelectionIsDiscarded(t *testing.T) {
	w := NewWorkspace()
	started := make(chan struct{})
	release := make(chan struct{})
	p := &mockPredictor{predictFunc: func(ctx context.Context, _ string, _ *model.ImageUpload) (*model.PredictionResult, error) {
		close(started)
		<-release
		// キャンセルを無視して応答が届いた場合を再現する
		return resultWith("stale"), nil
	}}

	w.Select(upload("image/png", 10))
	done := make(chan error, 1)
	go func() {
		_, err := w.Run(context.Background(), p, "")
		done <- err
	}()
	<-started

	w.Select(upload("image/jpeg", 10))
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Run error = %v, want ErrSuperseded", err)
	}
	if w.Snapshot().Result != nil {
		t.Error("superseded response must not be stored")
	}
}

func TestWorkspace_PassesToken(t *testing.T) {
	w := NewWorkspace()
	var gotToken string
	p := &mockPredictor{predictFunc: func(_ context.Context, token string, _ *model.ImageUpload) (*model.PredictionResult, error) {
		gotToken = token
		return resultWith("cat"), nil
	}}

	w.Select(upload("image/jpg", 10))
	if _, err := w.Run(context.Background(), p, "bearer-token"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if gotToken != "bearer-token" {
		t.Errorf("token = %q", gotToken)
	}
}
