package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Prediction は分類モデルの1クラス分の出力。Probability は0〜100のパーセント値。
type Prediction struct {
	ClassID     int     `json:"class_id"`
	ClassName   string  `json:"class_name"`
	Probability float64 `json:"probability"`
}

// imageURLKey は推論レスポンスに同居するモデル以外のキー。
const imageURLKey = "image_url"

// PredictionResult はモデルキーから確率降順の予測列へのマッピング。
// 推論成功ごとに1つ生成され、以後変更しない（次のアップロードで丸ごと置き換える）。
type PredictionResult struct {
	Models   map[string][]Prediction
	ImageURL string
}

// UnmarshalJSON はモデルキーごとの配列と image_url を分けて読み取る。
// 配列でも null でもない値を持つキーはモデル結果ではないので無視する。
// 配列の要素が予測として読めない場合はレスポンス全体をエラーにする（部分的に保持しない）。
func (r *PredictionResult) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("prediction result must be a JSON object: %w", err)
	}

	models := make(map[string][]Prediction, len(raw))
	var imageURL string

	for key, value := range raw {
		trimmed := bytes.TrimSpace(value)

		if key == imageURLKey {
			if len(trimmed) > 0 && trimmed[0] == '"' {
				if err := json.Unmarshal(trimmed, &imageURL); err != nil {
					return fmt.Errorf("invalid image_url: %w", err)
				}
			}
			continue
		}

		if len(trimmed) == 0 || trimmed[0] != '[' {
			continue
		}

		var preds []Prediction
		if err := json.Unmarshal(trimmed, &preds); err != nil {
			return fmt.Errorf("invalid predictions for %q: %w", key, err)
		}
		models[key] = preds
	}

	r.Models = models
	r.ImageURL = imageURL
	return nil
}

// MarshalJSON はバックエンドと同じフラットな形で書き出す。
func (r PredictionResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Models)+1)
	for key, preds := range r.Models {
		out[key] = preds
	}
	if r.ImageURL != "" {
		out[imageURLKey] = r.ImageURL
	} else {
		out[imageURLKey] = nil
	}
	return json.Marshal(out)
}

// HistoryRecord はセッション履歴1件。サーバーが定めた順序のまま読み取り専用で扱う。
type HistoryRecord struct {
	ID        string           `json:"id"`
	ImageURL  string           `json:"image_url,omitempty"`
	Result    PredictionResult `json:"result"`
	Timestamp string           `json:"timestamp"`
}

// ImageUpload はアップロード対象の画像ファイル。
// ContentType はブラウザが申告したMIMEタイプ。
type ImageUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size はファイルサイズ（バイト）を返す。
func (u *ImageUpload) Size() int64 {
	return int64(len(u.Data))
}
