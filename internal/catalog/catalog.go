// Package catalog は学習記録・モデル仕様・チーム紹介などの静的な表示データを提供する。
// データはバイナリに埋め込んだYAMLから読み込む。
package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// EpochRecord は1エポック分の精度（%）。ベースラインは途中で打ち切ったためnilになり得る。
type EpochRecord struct {
	Epoch         int      `yaml:"epoch"`
	BaselineVal   *float64 `yaml:"baseline_val"`
	DistillVal    *float64 `yaml:"distill_val"`
	BaselineTrain *float64 `yaml:"baseline_train"`
	DistillTrain  *float64 `yaml:"distill_train"`
}

// Stat はAnalyticsタブ上部の指標カード。
type Stat struct {
	Label    string `yaml:"label"`
	Value    string `yaml:"value"`
	Change   string `yaml:"change"`
	Positive bool   `yaml:"positive"`
}

// Item はラベルと値の組。
type Item struct {
	Label string `yaml:"label"`
	Value string `yaml:"value"`
}

// Member はチームメンバー。
type Member struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// Team はTeamタブの内容。
type Team struct {
	Subtitle string   `yaml:"subtitle"`
	Members  []Member `yaml:"members"`
}

// Catalog は静的表示データ全体。
type Catalog struct {
	TrainingCurve      []EpochRecord `yaml:"training_curve"`
	HeadlineStats      []Stat        `yaml:"headline_stats"`
	DistillationConfig []Item        `yaml:"distillation_config"`
	Hyperparameters    []Item        `yaml:"hyperparameters"`
	Team               Team          `yaml:"team"`
}

// Load は埋め込みのYAMLを読み込む。
func Load() (*Catalog, error) {
	return Parse(catalogYAML)
}

// Parse はYAMLを読み込み、内容を検証する。
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.TrainingCurve) == 0 {
		return fmt.Errorf("catalog: training_curve is empty")
	}
	prev := 0
	for _, r := range c.TrainingCurve {
		if r.Epoch <= prev {
			return fmt.Errorf("catalog: epochs must be strictly increasing (got %d after %d)", r.Epoch, prev)
		}
		prev = r.Epoch
	}
	for _, m := range c.Team.Members {
		if m.Name == "" {
			return fmt.Errorf("catalog: team member without name")
		}
	}
	return nil
}

// Series はチャート描画用に指定した系列の値を取り出す。欠損はnilのまま返す。
func (c *Catalog) Series(pick func(EpochRecord) *float64) []*float64 {
	out := make([]*float64, len(c.TrainingCurve))
	for i, r := range c.TrainingCurve {
		out[i] = pick(r)
	}
	return out
}

// 系列の取り出し関数
var (
	BaselineVal   = func(r EpochRecord) *float64 { return r.BaselineVal }
	DistillVal    = func(r EpochRecord) *float64 { return r.DistillVal }
	BaselineTrain = func(r EpochRecord) *float64 { return r.BaselineTrain }
	DistillTrain  = func(r EpochRecord) *float64 { return r.DistillTrain }
)
