package assembly

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/wisbric/reportowl/pkg/registry"
	"github.com/wisbric/reportowl/pkg/transform"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	reg, err := registry.NewFromManifests(
		map[string]registry.UseCaseMeta{
			"POLITICAL_SNAPSHOT": {WorkbookName: "PoliticalSnapshot", SiteName: "political-reporting"},
		},
		map[string]*registry.ViewCatalog{
			"POLITICAL_SNAPSHOT": {
				Views: []registry.ViewConfig{
					{Key: "TOTAL_SPEND", Name: "TotalSpendCard", ViewType: registry.ViewTypeFlagCard,
						Columns: []registry.Column{{FieldKey: "totalSpend", ColumnName: "Total Spend", DisplayName: "Total Spend", Format: registry.FormatCurrency, IsNeededForView: true}}},
					{Key: "WIN_RATE", Name: "WinRateCard", ViewType: registry.ViewTypeFlagCard,
						Columns: []registry.Column{{FieldKey: "winRate", ColumnName: "Win Rate", DisplayName: "Win Rate", Format: registry.FormatPercentage, IsNeededForView: true}}},
					{Key: "CHANNEL_DATA", Name: "ChannelBreakdown", ViewType: registry.ViewTypeTable,
						Columns: []registry.Column{
							{FieldKey: "channel", ColumnName: "Channel", DisplayName: "Channel", Format: registry.FormatString, IsNeededForView: true},
							{FieldKey: "impressions", ColumnName: "Impressions", DisplayName: "Impressions", Format: registry.FormatNumber, IsNeededForView: true},
							{FieldKey: "cpm", ColumnName: "CPM", DisplayName: "Avg CPM", Format: registry.FormatDecimal, IsNeededForView: true},
						}},
				},
				Filters: map[string]string{},
			},
		},
		map[string]*registry.SlideManifest{
			"POLITICAL_SNAPSHOT": {
				Title:  "Political Snapshot",
				Layout: "LAYOUT_WIDE",
				Slides: []registry.SlideDef{
					{
						Name:       "cover",
						Background: "assets/cover.png",
						Elements: []registry.ElementDef{
							{Type: registry.ElementText, Position: registry.Position{XCm: 2.54, YCm: 2.54, WCm: 25.4, HCm: 2.54},
								Text: "Political Snapshot", Options: registry.TextOptions{FontSize: 40, Bold: true, Color: "primary"}},
							{Type: registry.ElementShape, Position: registry.Position{XCm: 2.54, YCm: 5.08, WCm: 12.7, HCm: 0},
								Shape: registry.ShapeLine, Line: &registry.LineOptions{Color: "accent", WidthPt: 2}},
							{Type: registry.ElementImage, Position: registry.Position{XCm: 0, YCm: 0, WCm: 2.54, HCm: 2.54},
								Path: "assets/logo.png"},
						},
					},
					{
						Name: "summary",
						Elements: []registry.ElementDef{
							{Type: registry.ElementText, Position: registry.Position{WCm: 12.7, HCm: 2.54},
								Segments: []registry.TextSegment{
									{Text: "Total Spend: "},
									{ValueKey: "TOTAL_SPEND", Fallback: "N/A", Options: registry.TextOptions{Bold: true}},
								}},
							{Type: registry.ElementText, Position: registry.Position{WCm: 12.7, HCm: 2.54},
								Segments: []registry.TextSegment{{ValueKey: "WIN_RATE"}}},
							{Type: registry.ElementTable, Position: registry.Position{WCm: 25.4, HCm: 12.7},
								DataKey: "CHANNEL_DATA",
								Borders: &registry.TableBorders{Outer: true, HeaderRow: true}},
							{Type: registry.ElementChart, Position: registry.Position{WCm: 25.4, HCm: 12.7},
								DataKey: "CHANNEL_DATA", ChartType: registry.ChartBarLine,
								LineSeriesKey: "cpm", SecondaryAxis: true},
						},
					},
				},
			},
		},
	)
	if err != nil {
		t.Fatalf("building test registry: %v", err)
	}

	return New(reg, slog.Default())
}

func fullViewData() map[string]transform.ViewData {
	return map[string]transform.ViewData{
		"TOTAL_SPEND": &transform.FlagCard{Field: "totalSpend", Value: "1234567", Format: registry.FormatCurrency},
		"WIN_RATE":    &transform.FlagCard{Field: "winRate", Value: "57.03", Format: registry.FormatPercentage},
		"CHANNEL_DATA": &transform.Table{
			Headers: []transform.Header{
				{Field: "channel", DisplayName: "Channel", Format: registry.FormatString},
				{Field: "impressions", DisplayName: "Impressions", Format: registry.FormatNumber},
				{Field: "cpm", DisplayName: "Avg CPM", Format: registry.FormatDecimal},
			},
			Rows: [][]transform.Cell{
				{
					{Field: "channel", Value: "CTV", Format: registry.FormatString},
					{Field: "impressions", Value: "1200000", Format: registry.FormatNumber},
					{Field: "cpm", Value: "32.5", Format: registry.FormatDecimal},
				},
				{
					{Field: "channel", Value: "Display", Format: registry.FormatString},
					{Field: "impressions", Value: "800000", Format: registry.FormatNumber},
					{Field: "cpm", Value: "12.1", Format: registry.FormatDecimal},
				},
			},
		},
	}
}

func TestAssemble(t *testing.T) {
	e := testEngine(t)

	manifest, err := e.Assemble("POLITICAL_SNAPSHOT", fullViewData())
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if manifest.Title != "Political Snapshot" || manifest.Layout != "LAYOUT_WIDE" {
		t.Errorf("manifest meta = %q/%q", manifest.Title, manifest.Layout)
	}
	if len(manifest.Slides) != 2 {
		t.Fatalf("len(Slides) = %d, want 2", len(manifest.Slides))
	}

	cover := manifest.Slides[0]
	if cover.Background != "assets/cover.png" {
		t.Errorf("cover background = %q", cover.Background)
	}
	if len(cover.Texts) != 1 || len(cover.Shapes) != 1 || len(cover.Images) != 1 {
		t.Fatalf("cover elements = %d texts / %d shapes / %d images", len(cover.Texts), len(cover.Shapes), len(cover.Images))
	}
	if cover.Texts[0].Runs[0].Color != "1F2A44" {
		t.Errorf("palette token not resolved: %q", cover.Texts[0].Runs[0].Color)
	}
	if cover.Images[0].Rect.W != 1 {
		t.Errorf("image width = %f in, want 1 (2.54 cm)", cover.Images[0].Rect.W)
	}

	summary := manifest.Slides[1]
	if len(summary.Texts) != 2 {
		t.Fatalf("summary texts = %d, want 2", len(summary.Texts))
	}
	// Bound segment is formatted per its view data format.
	runs := summary.Texts[0].Runs
	if len(runs) != 2 || runs[0].Text != "Total Spend: " || runs[1].Text != "$1,234,567" {
		t.Errorf("runs = %+v", runs)
	}
	if summary.Texts[1].Runs[0].Text != "57.03%" {
		t.Errorf("win rate run = %q, want 57.03%%", summary.Texts[1].Runs[0].Text)
	}

	if len(summary.Tables) != 1 {
		t.Fatalf("summary tables = %d, want 1", len(summary.Tables))
	}
	table := summary.Tables[0]
	if len(table.Header) != 3 {
		t.Fatalf("table header = %v", table.Header)
	}
	for i, row := range table.Rows {
		if len(row) != len(table.Header) {
			t.Errorf("row %d has %d cells, want %d", i, len(row), len(table.Header))
		}
	}
	// Cell rendering applies display formats.
	if table.Rows[0][1] != "1,200,000" {
		t.Errorf("impressions cell = %q, want 1,200,000", table.Rows[0][1])
	}
	if table.Rows[0][2] != "32.50" {
		t.Errorf("cpm cell = %q, want 32.50", table.Rows[0][2])
	}
	if len(table.ColumnWidths) != 3 {
		t.Errorf("column widths = %v", table.ColumnWidths)
	}

	if len(summary.Charts) != 1 {
		t.Fatalf("summary charts = %d, want 1", len(summary.Charts))
	}
	chart := summary.Charts[0]
	if chart.Kind != registry.ChartBarLine {
		t.Errorf("chart kind = %q", chart.Kind)
	}
	if len(chart.Categories) != 2 || chart.Categories[0] != "CTV" {
		t.Errorf("categories = %v", chart.Categories)
	}
	if len(chart.Series) != 2 {
		t.Fatalf("series = %d, want 2", len(chart.Series))
	}
	if chart.Series[0].Line || chart.Series[0].Values[0] != 1200000 {
		t.Errorf("bar series = %+v", chart.Series[0])
	}
	if !chart.Series[1].Line || !chart.Series[1].SecondaryAxis {
		t.Errorf("line series = %+v, want line on secondary axis", chart.Series[1])
	}
	if chart.Series[1].Values[1] != 12.1 {
		t.Errorf("line values = %v", chart.Series[1].Values)
	}
}

func TestAssembleMissingBindings(t *testing.T) {
	e := testEngine(t)

	// Only the spend card present: WIN_RATE text (no fallback) and the
	// table/chart elements must be dropped, slides still emitted.
	viewData := map[string]transform.ViewData{
		"TOTAL_SPEND": &transform.FlagCard{Field: "totalSpend", Value: "100", Format: registry.FormatCurrency},
	}

	manifest, err := e.Assemble("POLITICAL_SNAPSHOT", viewData)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(manifest.Slides) != 2 {
		t.Fatalf("len(Slides) = %d, want 2 (slides emit even without data)", len(manifest.Slides))
	}

	summary := manifest.Slides[1]
	if len(summary.Texts) != 1 {
		t.Errorf("summary texts = %d, want 1 (unbound text without fallback dropped)", len(summary.Texts))
	}
	if summary.Texts[0].Runs[1].Text != "$100" {
		t.Errorf("bound run = %q, want $100", summary.Texts[0].Runs[1].Text)
	}
	if len(summary.Tables) != 0 {
		t.Errorf("summary tables = %d, want 0", len(summary.Tables))
	}
	if len(summary.Charts) != 0 {
		t.Errorf("summary charts = %d, want 0", len(summary.Charts))
	}
}

func TestAssembleFallback(t *testing.T) {
	e := testEngine(t)

	manifest, err := e.Assemble("POLITICAL_SNAPSHOT", map[string]transform.ViewData{
		"CHANNEL_DATA": fullViewData()["CHANNEL_DATA"],
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	summary := manifest.Slides[1]
	if len(summary.Texts) != 1 {
		t.Fatalf("summary texts = %d, want 1", len(summary.Texts))
	}
	if summary.Texts[0].Runs[1].Text != "N/A" {
		t.Errorf("fallback run = %q, want N/A", summary.Texts[0].Runs[1].Text)
	}
}

func TestAssembleUnknownUseCase(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Assemble("NOPE", nil); !errors.Is(err, registry.ErrUseCaseNotFound) {
		t.Errorf("error = %v, want ErrUseCaseNotFound", err)
	}
}
