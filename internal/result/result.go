// Package result はマルチモデル推論レスポンスを比較用のカードに集約する。
//
// 既知モデルは固定順の列挙で表し、レスポンスのキーから列挙への写像は全域関数（Lookup）とする。
// 未知のキーは無視し、レスポンスに無いモデルはカードにしない。
package result

import (
	"fmt"
	"math"

	"github.com/hitoshi/deepdistill/internal/model"
)

// ModelID は既知モデルの識別子。
type ModelID int

const (
	ModelBaselineB0Tiny ModelID = iota + 1
	ModelB0KDTiny
	ModelB0AKTPTiny
	ModelTeacherB2Tiny
	ModelTeacherB2
)

// Role はカードのバッジ表示に使うモデルの役割。
type Role string

const (
	RoleBaseline Role = "baseline"
	RoleStudent  Role = "student"
	RoleTeacher  Role = "teacher"
)

// Descriptor は既知モデルの表示情報。
type Descriptor struct {
	ID    ModelID
	Key   string // レスポンス上の正規キー
	Title string
	Role  Role
}

// 勝者判定に使うモデル。
const (
	PrimaryModel  = ModelB0AKTPTiny
	BaselineModel = ModelBaselineB0Tiny
)

// descriptors はカードの表示順。
var descriptors = []Descriptor{
	{ID: ModelBaselineB0Tiny, Key: "baseline_b0_tiny", Title: "Baseline B0", Role: RoleBaseline},
	{ID: ModelB0KDTiny, Key: "b0_kd_tiny", Title: "Distilled B0 (KD)", Role: RoleStudent},
	{ID: ModelB0AKTPTiny, Key: "b0_aktp_tiny", Title: "Distilled B0 (AKTP)", Role: RoleStudent},
	{ID: ModelTeacherB2Tiny, Key: "teacher_b2_tiny", Title: "Teacher B2 (Tiny)", Role: RoleTeacher},
	{ID: ModelTeacherB2, Key: "teacher_b2", Title: "Teacher B2", Role: RoleTeacher},
}

// aliases は旧形式のレスポンスキー。正規キーが同時にある場合は正規キーを優先する。
var aliases = map[string]ModelID{
	"baseline":  ModelBaselineB0Tiny,
	"distilled": ModelB0AKTPTiny,
}

// Descriptors は既知モデルを表示順で返す。
func Descriptors() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// Describe はModelIDの表示情報を返す。
func Describe(id ModelID) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Lookup はレスポンスのキーを既知モデルに写像する。未知のキーはfalse。
func Lookup(key string) (ModelID, bool) {
	for _, d := range descriptors {
		if d.Key == key {
			return d.ID, true
		}
	}
	id, ok := aliases[key]
	return id, ok
}

// resolve はレスポンスのキーを1回走査し、Lookupで既知モデルごとの予測列にまとめる。
// 同じモデルに正規キーと別名がある場合は正規キーを優先する。
// 空の予測列は存在しないものとして扱う。
func resolve(res *model.PredictionResult) map[ModelID][]model.Prediction {
	out := make(map[ModelID][]model.Prediction, len(descriptors))
	if res == nil {
		return out
	}
	canonical := make(map[ModelID]bool, len(descriptors))
	for key, preds := range res.Models {
		id, ok := Lookup(key)
		if !ok || len(preds) == 0 {
			continue
		}
		d, _ := Describe(id)
		switch {
		case d.Key == key:
			out[id] = preds
			canonical[id] = true
		case !canonical[id]:
			out[id] = preds
		}
	}
	return out
}

// predictionsFor はidのモデルの予測列を返す。
func predictionsFor(res *model.PredictionResult, id ModelID) ([]model.Prediction, bool) {
	preds, ok := resolve(res)[id]
	return preds, ok
}

// Top1 はidのモデルの最上位予測を返す。
func Top1(res *model.PredictionResult, id ModelID) (model.Prediction, bool) {
	preds, ok := predictionsFor(res, id)
	if !ok {
		return model.Prediction{}, false
	}
	return preds[0], true
}

// Card はモデル1つ分の結果カード。
type Card struct {
	Descriptor
	Predictions []model.Prediction
	Winner      bool
}

// Top は最上位予測を返す。
func (c Card) Top() model.Prediction {
	return c.Predictions[0]
}

// TopN は上位n件までの予測を返す。
func (c Card) TopN(n int) []model.Prediction {
	if n >= len(c.Predictions) {
		return c.Predictions
	}
	return c.Predictions[:n]
}

// Aggregate はレスポンスに含まれる既知モデルのカードを表示順で返す。
func Aggregate(res *model.PredictionResult) []Card {
	side := Winner(res)

	resolved := resolve(res)
	var cards []Card
	for _, d := range descriptors {
		preds, ok := resolved[d.ID]
		if !ok {
			continue
		}
		cards = append(cards, Card{
			Descriptor:  d,
			Predictions: preds,
			Winner:      (side == WinnerPrimary && d.ID == PrimaryModel) || (side == WinnerBaseline && d.ID == BaselineModel),
		})
	}
	return cards
}

// WinnerSide は勝者判定の結果。
type WinnerSide int

const (
	WinnerNone WinnerSide = iota
	WinnerPrimary
	WinnerBaseline
)

// Winner はプライマリとベースラインの最上位確率を比較する。
// どちらも厳密に大きい場合のみ勝者とし、同値や片方が無い場合はWinnerNone。
func Winner(res *model.PredictionResult) WinnerSide {
	primary, ok := Top1(res, PrimaryModel)
	if !ok {
		return WinnerNone
	}
	baseline, ok := Top1(res, BaselineModel)
	if !ok {
		return WinnerNone
	}
	switch {
	case primary.Probability > baseline.Probability:
		return WinnerPrimary
	case baseline.Probability > primary.Probability:
		return WinnerBaseline
	default:
		return WinnerNone
	}
}

// Comparison はプライマリとベースラインの最上位予測の比較。
type Comparison struct {
	Agree         bool
	PrimaryClass  string
	BaselineClass string
	// Delta は確率差の絶対値（パーセントポイント）
	Delta float64
	// MoreConfident はプライマリの確率が厳密に大きいか
	MoreConfident bool
}

// Compare はプライマリとベースラインの両方がある場合に比較結果を返す。
func Compare(res *model.PredictionResult) (Comparison, bool) {
	primary, ok := Top1(res, PrimaryModel)
	if !ok {
		return Comparison{}, false
	}
	baseline, ok := Top1(res, BaselineModel)
	if !ok {
		return Comparison{}, false
	}
	return Comparison{
		Agree:         primary.ClassID == baseline.ClassID,
		PrimaryClass:  primary.ClassName,
		BaselineClass: baseline.ClassName,
		Delta:         math.Abs(primary.Probability - baseline.Probability),
		MoreConfident: primary.Probability > baseline.Probability,
	}, true
}

// Summary は比較結果の文章を返す。
func (c Comparison) Summary() string {
	if c.Agree {
		direction := "less"
		if c.MoreConfident {
			direction = "more"
		}
		return fmt.Sprintf("Both models agree on %s. The Distilled model is %.1f%% %s confident.",
			c.PrimaryClass, c.Delta, direction)
	}
	return fmt.Sprintf("Models disagree! Distilled predicts %s while Baseline sees %s.",
		c.PrimaryClass, c.BaselineClass)
}
