package assembly

import (
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"github.com/wisbric/reportowl/pkg/registry"
	"github.com/wisbric/reportowl/pkg/transform"
)

// Engine interprets slide manifests against transformed view data.
type Engine struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates an Engine.
func New(reg *registry.Registry, logger *slog.Logger) *Engine {
	return &Engine{registry: reg, logger: logger}
}

// Assemble walks the use case's slide manifest and emits a presentation
// manifest. Elements whose data binding is missing are dropped with a
// warning; the slide itself is always emitted.
func (e *Engine) Assemble(useCase string, viewData map[string]transform.ViewData) (*PresentationManifest, error) {
	manifest, err := e.registry.SlideManifest(useCase)
	if err != nil {
		return nil, err
	}

	out := &PresentationManifest{
		Title:  manifest.Title,
		Layout: manifest.Layout,
		Slides: make([]Slide, 0, len(manifest.Slides)),
	}

	for _, def := range manifest.Slides {
		slide := Slide{Name: def.Name, Background: def.Background}

		for _, el := range def.Elements {
			switch el.Type {
			case registry.ElementImage:
				slide.Images = append(slide.Images, Image{Path: el.Path, Rect: rectFromCm(el.Position)})

			case registry.ElementShape:
				slide.Shapes = append(slide.Shapes, e.buildShape(el))

			case registry.ElementText:
				text, ok := e.buildText(useCase, def.Name, el, viewData)
				if ok {
					slide.Texts = append(slide.Texts, text)
				}

			case registry.ElementTable:
				table, ok := e.buildTable(useCase, def.Name, el, viewData)
				if ok {
					slide.Tables = append(slide.Tables, table)
				}

			case registry.ElementChart:
				chart, ok := e.buildChart(useCase, def.Name, el, viewData)
				if ok {
					slide.Charts = append(slide.Charts, chart)
				}

			default:
				e.logger.Warn("unknown slide element type, skipping",
					"use_case", useCase, "slide", def.Name, "type", el.Type)
			}
		}

		out.Slides = append(out.Slides, slide)
	}

	return out, nil
}

func (e *Engine) buildShape(el registry.ElementDef) Shape {
	shape := Shape{
		Kind:   el.Shape,
		Rect:   rectFromCm(el.Position),
		Fill:   resolveColor(el.Fill),
		Shadow: el.Shadow,
	}
	if el.Line != nil {
		shape.Line = &LineStyle{
			Color:   resolveColor(el.Line.Color),
			WidthPt: el.Line.WidthPt,
			Dash:    el.Line.Dash,
		}
	}
	return shape
}

// buildText resolves a TEXT element into styled runs. A bound segment with
// no matching view data uses its fallback; with no fallback the whole
// element is dropped.
func (e *Engine) buildText(useCase, slideName string, el registry.ElementDef, viewData map[string]transform.ViewData) (Text, bool) {
	text := Text{Rect: rectFromCm(el.Position)}

	segments := el.Segments
	if len(segments) == 0 {
		segments = []registry.TextSegment{{
			Text:     el.Text,
			ValueKey: el.ValueKey,
			Fallback: el.Fallback,
			Options:  el.Options,
		}}
	}

	for _, seg := range segments {
		content := seg.Text
		if seg.ValueKey != "" {
			resolved, ok := e.resolveFlagValue(seg.ValueKey, viewData)
			switch {
			case ok:
				content = resolved
			case seg.Fallback != "":
				content = seg.Fallback
			default:
				e.logger.Warn("dropping text element: binding has no data and no fallback",
					"use_case", useCase, "slide", slideName, "value_key", seg.ValueKey)
				return Text{}, false
			}
		}

		opts := seg.Options
		text.Runs = append(text.Runs, TextRun{
			Text:     content,
			FontSize: opts.FontSize,
			Bold:     opts.Bold,
			Italic:   opts.Italic,
			Color:    resolveColor(opts.Color),
			Align:    resolveAlign(opts.Align),
		})
	}

	return text, true
}

// resolveFlagValue looks up a flag-card binding and formats its value.
func (e *Engine) resolveFlagValue(valueKey string, viewData map[string]transform.ViewData) (string, bool) {
	vd, ok := viewData[valueKey]
	if !ok {
		return "", false
	}
	card, ok := vd.(*transform.FlagCard)
	if !ok {
		return "", false
	}
	return FormatValue(card.Value, card.Format), true
}

// buildTable binds a TABLE element to its view data table.
func (e *Engine) buildTable(useCase, slideName string, el registry.ElementDef, viewData map[string]transform.ViewData) (Table, bool) {
	data, ok := e.resolveTable(useCase, slideName, el.DataKey, viewData)
	if !ok {
		return Table{}, false
	}

	rect := rectFromCm(el.Position)

	header := make([]string, len(data.Headers))
	for i, h := range data.Headers {
		header[i] = h.DisplayName
	}

	rows := make([][]string, len(data.Rows))
	for i, row := range data.Rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = FormatValue(cell.Value, cell.Format)
		}
		rows[i] = cells
	}

	widths := el.ColumnWidthsIn
	if len(widths) != len(header) {
		widths = fitColumnWidths(header, rows, rect.W)
	}

	borders := registry.TableBorders{Outer: true, HeaderRow: true}
	if el.Borders != nil {
		borders = *el.Borders
	}

	return Table{
		Rect:         rect,
		Header:       header,
		Rows:         rows,
		ColumnWidths: widths,
		Borders:      borders,
	}, true
}

// buildChart converts a view data table into a category axis plus series.
// String-format columns feed the category axis (first one wins); numeric
// columns become series.
func (e *Engine) buildChart(useCase, slideName string, el registry.ElementDef, viewData map[string]transform.ViewData) (Chart, bool) {
	data, ok := e.resolveTable(useCase, slideName, el.DataKey, viewData)
	if !ok {
		return Chart{}, false
	}

	categoryIdx := -1
	var numericIdx []int
	for i, h := range data.Headers {
		if h.Format.IsNumeric() {
			numericIdx = append(numericIdx, i)
		} else if categoryIdx < 0 {
			categoryIdx = i
		}
	}
	if categoryIdx < 0 || len(numericIdx) == 0 {
		e.logger.Warn("dropping chart: need one category and one numeric column",
			"use_case", useCase, "slide", slideName, "data_key", el.DataKey)
		return Chart{}, false
	}

	categories := make([]string, len(data.Rows))
	for i, row := range data.Rows {
		categories[i] = row[categoryIdx].Value
	}

	kind := el.ChartType
	if kind == "" {
		kind = registry.ChartBar
	}

	// Pie charts carry a single series.
	if kind == registry.ChartPie {
		numericIdx = numericIdx[:1]
	}

	series := make([]Series, 0, len(numericIdx))
	for _, idx := range numericIdx {
		h := data.Headers[idx]
		s := Series{Name: h.DisplayName, Values: make([]float64, len(data.Rows))}
		for i, row := range data.Rows {
			n, err := strconv.ParseFloat(row[idx].Value, 64)
			if err != nil {
				n = 0
			}
			s.Values[i] = n
		}
		if kind == registry.ChartBarLine && h.Field == el.LineSeriesKey {
			s.Line = true
			s.SecondaryAxis = el.SecondaryAxis
		}
		if kind == registry.ChartLine {
			s.Line = true
		}
		series = append(series, s)
	}

	return Chart{
		Rect:       rectFromCm(el.Position),
		Kind:       kind,
		Categories: categories,
		Series:     series,
	}, true
}

// resolveTable looks up a table binding, warning when absent or mistyped.
func (e *Engine) resolveTable(useCase, slideName, dataKey string, viewData map[string]transform.ViewData) (*transform.Table, bool) {
	vd, ok := viewData[dataKey]
	if !ok {
		e.logger.Warn("omitting element: no data for binding",
			"use_case", useCase, "slide", slideName, "data_key", dataKey)
		return nil, false
	}
	table, ok := vd.(*transform.Table)
	if !ok {
		e.logger.Warn("omitting element: binding is not tabular",
			"use_case", useCase, "slide", slideName, "data_key", dataKey,
			"got", fmt.Sprintf("%T", vd))
		return nil, false
	}
	return table, true
}

// fitColumnWidths sizes each column to its widest cell, scaled so the
// widths sum to totalW.
func fitColumnWidths(header []string, rows [][]string, totalW float64) []float64 {
	if len(header) == 0 {
		return nil
	}

	widths := make([]float64, len(header))
	sum := 0.0
	for i := range header {
		longest := utf8.RuneCountInString(header[i])
		for _, row := range rows {
			if n := utf8.RuneCountInString(row[i]); n > longest {
				longest = n
			}
		}
		if longest == 0 {
			longest = 1
		}
		widths[i] = float64(longest)
		sum += widths[i]
	}

	for i := range widths {
		widths[i] = widths[i] / sum * totalW
	}
	return widths
}
