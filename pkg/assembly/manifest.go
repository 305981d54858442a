// Package assembly renders use-case slide manifests into a declarative
// presentation manifest by binding transformed view data into text, table,
// and chart elements. The manifest is pure data; serializing it to bytes
// is the presentation writer's job.
package assembly

import "github.com/wisbric/reportowl/pkg/registry"

// Rect is an element rectangle in inches from the slide's top-left.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Image is a placed image asset.
type Image struct {
	Path string `json:"path"`
	Rect Rect   `json:"rect"`
}

// LineStyle describes a stroke.
type LineStyle struct {
	Color   string  `json:"color,omitempty"`
	WidthPt float64 `json:"widthPt,omitempty"`
	Dash    string  `json:"dash,omitempty"`
}

// Shape is a placed geometric shape.
type Shape struct {
	Kind   registry.ShapeKind `json:"kind"`
	Rect   Rect               `json:"rect"`
	Fill   string             `json:"fill,omitempty"`
	Line   *LineStyle         `json:"line,omitempty"`
	Shadow bool               `json:"shadow,omitempty"`
}

// TextRun is one styled run within a text element.
type TextRun struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize,omitempty"`
	Bold     bool    `json:"bold,omitempty"`
	Italic   bool    `json:"italic,omitempty"`
	Color    string  `json:"color,omitempty"`
	Align    string  `json:"align,omitempty"`
}

// Text is a placed text element made of one or more runs.
type Text struct {
	Rect Rect      `json:"rect"`
	Runs []TextRun `json:"runs"`
}

// Table is a placed table with a header row and data rows. Every row has
// exactly len(Header) cells.
type Table struct {
	Rect         Rect                  `json:"rect"`
	Header       []string              `json:"header"`
	Rows         [][]string            `json:"rows"`
	ColumnWidths []float64             `json:"columnWidths"`
	Borders      registry.TableBorders `json:"borders"`
}

// Series is one chart series.
type Series struct {
	Name          string    `json:"name"`
	Values        []float64 `json:"values"`
	Line          bool      `json:"line,omitempty"`
	SecondaryAxis bool      `json:"secondaryAxis,omitempty"`
}

// Chart is a placed chart over a shared category axis.
type Chart struct {
	Rect       Rect               `json:"rect"`
	Kind       registry.ChartKind `json:"kind"`
	Categories []string           `json:"categories"`
	Series     []Series           `json:"series"`
}

// Slide is one assembled slide.
type Slide struct {
	Name       string  `json:"name,omitempty"`
	Background string  `json:"background,omitempty"`
	Images     []Image `json:"images,omitempty"`
	Shapes     []Shape `json:"shapes,omitempty"`
	Texts      []Text  `json:"texts,omitempty"`
	Tables     []Table `json:"tables,omitempty"`
	Charts     []Chart `json:"charts,omitempty"`
}

// PresentationManifest is the assembled artifact handed to the writer.
type PresentationManifest struct {
	Title  string  `json:"title"`
	Layout string  `json:"layout"`
	Slides []Slide `json:"slides"`
}

// cmPerInch converts manifest centimetres into writer inches.
const cmPerInch = 2.54

// rectFromCm converts a manifest position to inches.
func rectFromCm(p registry.Position) Rect {
	return Rect{
		X: p.XCm / cmPerInch,
		Y: p.YCm / cmPerInch,
		W: p.WCm / cmPerInch,
		H: p.HCm / cmPerInch,
	}
}
