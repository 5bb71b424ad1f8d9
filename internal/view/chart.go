package view

import (
	"math"
	"strconv"
	"strings"

	"github.com/hitoshi/deepdistill/internal/catalog"
)

// チャートの描画領域（SVGのviewBox座標）
const (
	chartWidth   = 600
	chartHeight  = 260
	chartPadLeft = 40
	chartPadBot  = 24
	chartPadTop  = 10
	chartPadEnd  = 10
)

// AnalyticsPanel は分析タブの内容。
type AnalyticsPanel struct {
	Stats  []catalog.Stat
	Charts []Chart
}

// Chart は折れ線グラフ1枚分。
type Chart struct {
	Title  string
	Width  int
	Height int
	Lines  []Line
	YTicks []Tick
	XTicks []Tick

	// 軸と目盛りラベルの位置
	PlotLeft  int
	PlotRight int
	LabelX    int
	LabelY    int
}

// Line は1系列。欠損値で途切れる場合は複数のSegmentsになる。
type Line struct {
	Label    string
	Class    string
	Segments []string // polylineのpoints属性
}

// Tick は軸の目盛り。
type Tick struct {
	Label string
	Pos   string
}

// NewAnalyticsPanel は学習記録からチャートを組み立てる。
func NewAnalyticsPanel(c *catalog.Catalog) *AnalyticsPanel {
	epochs := make([]int, len(c.TrainingCurve))
	for i, r := range c.TrainingCurve {
		epochs[i] = r.Epoch
	}
	return &AnalyticsPanel{
		Stats: c.HeadlineStats,
		Charts: []Chart{
			newChart("Val Accuracy", epochs, []series{
				{"Baseline", "baseline", c.Series(catalog.BaselineVal)},
				{"Distilled", "distilled", c.Series(catalog.DistillVal)},
			}),
			newChart("Training Accuracy", epochs, []series{
				{"Baseline", "baseline", c.Series(catalog.BaselineTrain)},
				{"Distilled", "distilled", c.Series(catalog.DistillTrain)},
			}),
		},
	}
}

type series struct {
	label  string
	class  string
	values []*float64
}

func newChart(title string, epochs []int, ss []series) Chart {
	lo, hi := yRange(ss)

	plotW := float64(chartWidth - chartPadLeft - chartPadEnd)
	plotH := float64(chartHeight - chartPadTop - chartPadBot)
	x := func(i int) float64 {
		if len(epochs) < 2 {
			return chartPadLeft
		}
		return chartPadLeft + plotW*float64(i)/float64(len(epochs)-1)
	}
	y := func(v float64) float64 {
		return chartPadTop + plotH*(1-(v-lo)/(hi-lo))
	}

	ch := Chart{
		Title:     title,
		Width:     chartWidth,
		Height:    chartHeight,
		PlotLeft:  chartPadLeft,
		PlotRight: chartWidth - chartPadEnd,
		LabelX:    chartPadLeft - 6,
		LabelY:    chartHeight - 6,
	}
	for _, s := range ss {
		line := Line{Label: s.label, Class: s.class}
		var pts []string
		for i, v := range s.values {
			if v == nil {
				if len(pts) > 0 {
					line.Segments = append(line.Segments, strings.Join(pts, " "))
					pts = nil
				}
				continue
			}
			pts = append(pts, coord(x(i))+","+coord(y(*v)))
		}
		if len(pts) > 0 {
			line.Segments = append(line.Segments, strings.Join(pts, " "))
		}
		ch.Lines = append(ch.Lines, line)
	}

	for v := lo; v <= hi; v += 20 {
		ch.YTicks = append(ch.YTicks, Tick{Label: strconv.Itoa(int(v)), Pos: coord(y(v))})
	}
	for i, e := range epochs {
		if e == 1 || e%5 == 0 {
			ch.XTicks = append(ch.XTicks, Tick{Label: strconv.Itoa(e), Pos: coord(x(i))})
		}
	}
	return ch
}

// yRange は全系列の値を含む20刻みの範囲を返す。
func yRange(ss []series) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range ss {
		for _, v := range s.values {
			if v == nil {
				continue
			}
			lo = math.Min(lo, *v)
			hi = math.Max(hi, *v)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 100
	}
	lo = math.Floor(lo/20) * 20
	hi = math.Ceil(hi/20) * 20
	if hi <= lo {
		hi = lo + 20
	}
	return lo, hi
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
