package pptx

import (
	"archive/zip"
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/wisbric/reportowl/pkg/assembly"
	"github.com/wisbric/reportowl/pkg/registry"
)

func sampleManifest() *assembly.PresentationManifest {
	return &assembly.PresentationManifest{
		Title:  "Political Snapshot",
		Layout: "LAYOUT_WIDE",
		Slides: []assembly.Slide{
			{
				Name: "cover",
				Texts: []assembly.Text{
					{Rect: assembly.Rect{X: 1, Y: 2, W: 10, H: 1},
						Runs: []assembly.TextRun{{Text: "Political Snapshot", FontSize: 40, Bold: true, Color: "1F2A44"}}},
				},
				Shapes: []assembly.Shape{
					{Kind: registry.ShapeLine, Rect: assembly.Rect{X: 1, Y: 3, W: 5, H: 0},
						Line: &assembly.LineStyle{Color: "E8542F", WidthPt: 2}},
				},
			},
			{
				Name: "data",
				Tables: []assembly.Table{
					{
						Rect:         assembly.Rect{X: 1, Y: 1, W: 8, H: 4},
						Header:       []string{"Channel", "Spend"},
						Rows:         [][]string{{"CTV", "$5,000"}, {"Display & Video", "$3,000"}},
						ColumnWidths: []float64{4, 4},
					},
				},
				Charts: []assembly.Chart{
					{
						Rect:       assembly.Rect{X: 1, Y: 5, W: 8, H: 3},
						Kind:       registry.ChartBarLine,
						Categories: []string{"CTV", "Display"},
						Series: []assembly.Series{
							{Name: "Impressions", Values: []float64{1200000, 800000}},
							{Name: "Avg CPM", Values: []float64{32.5, 12.1}, Line: true, SecondaryAxis: true},
						},
					},
				},
			},
		},
	}
}

func renderAndUnzip(t *testing.T, m *assembly.PresentationManifest) map[string]string {
	t.Helper()

	w := NewWriter(slog.Default())
	data, err := w.Render(m)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("output is not a zip archive: %v", err)
	}

	files := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("opening %s: %v", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading %s: %v", f.Name, err)
		}
		files[f.Name] = string(content)
	}
	return files
}

func TestRenderPackageStructure(t *testing.T) {
	files := renderAndUnzip(t, sampleManifest())

	required := []string{
		"[Content_Types].xml",
		"_rels/.rels",
		"ppt/presentation.xml",
		"ppt/_rels/presentation.xml.rels",
		"ppt/slideMasters/slideMaster1.xml",
		"ppt/slideLayouts/slideLayout1.xml",
		"ppt/theme/theme1.xml",
		"ppt/slides/slide1.xml",
		"ppt/slides/slide2.xml",
	}
	for _, name := range required {
		if _, ok := files[name]; !ok {
			t.Errorf("package missing %s", name)
		}
	}

	if strings.Count(files["ppt/presentation.xml"], "<p:sldId ") != 2 {
		t.Error("presentation.xml does not list both slides")
	}
	if !strings.Contains(files["[Content_Types].xml"], "/ppt/slides/slide2.xml") {
		t.Error("content types missing slide2 override")
	}
}

func TestRenderSlideContent(t *testing.T) {
	files := renderAndUnzip(t, sampleManifest())

	cover := files["ppt/slides/slide1.xml"]
	if !strings.Contains(cover, "Political Snapshot") {
		t.Error("cover slide missing title text")
	}
	if !strings.Contains(cover, `sz="4000"`) {
		t.Error("font size not scaled to hundredths of a point")
	}
	if !strings.Contains(cover, `b="1"`) {
		t.Error("bold run not emitted")
	}
	if !strings.Contains(cover, `prst="line"`) {
		t.Error("line shape not emitted")
	}

	data := files["ppt/slides/slide2.xml"]
	// Escaping: the ampersand in "Display & Video".
	if !strings.Contains(data, "Display &amp; Video") {
		t.Error("table cell text not XML-escaped")
	}
	if !strings.Contains(data, "<a:tbl>") {
		t.Error("table frame not emitted")
	}
	// The chart renders as a data table including its series values.
	if !strings.Contains(data, "Avg CPM") || !strings.Contains(data, "32.5") {
		t.Error("chart fallback table missing series data")
	}
}

func TestRenderGeometry(t *testing.T) {
	files := renderAndUnzip(t, sampleManifest())

	// 1 inch = 914400 EMU; the cover text box sits at x=1in y=2in.
	cover := files["ppt/slides/slide1.xml"]
	if !strings.Contains(cover, `<a:off x="914400" y="1828800"/>`) {
		t.Error("text box offset not converted to EMU")
	}
}

func TestRenderEmptyManifest(t *testing.T) {
	w := NewWriter(slog.Default())
	if _, err := w.Render(&assembly.PresentationManifest{Title: "x"}); err == nil {
		t.Fatal("Render() succeeded with zero slides")
	}
}
