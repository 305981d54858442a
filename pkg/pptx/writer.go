// Package pptx serializes a presentation manifest into a minimal OOXML
// .pptx package: one slide master, one layout, and a slide per manifest
// slide. Text, shape, and table elements render natively; charts render
// as data tables (native DrawingML charts are not emitted). Image
// elements render as named placeholder frames since the manifest only
// carries asset paths.
package pptx

import (
	"archive/zip"
	"bytes"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/wisbric/reportowl/pkg/assembly"
)

// emuPerInch is the OOXML English Metric Unit scale.
const emuPerInch = 914400

// Writer renders presentation manifests to .pptx bytes.
type Writer struct {
	logger *slog.Logger
}

// NewWriter creates a Writer.
func NewWriter(logger *slog.Logger) *Writer {
	return &Writer{logger: logger}
}

// Render serializes the manifest into a .pptx package.
func (w *Writer) Render(m *assembly.PresentationManifest) ([]byte, error) {
	if len(m.Slides) == 0 {
		return nil, fmt.Errorf("presentation has no slides")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	files := map[string]string{
		"[Content_Types].xml":                    contentTypes(len(m.Slides)),
		"_rels/.rels":                            rootRels,
		"ppt/presentation.xml":                   presentationXML(len(m.Slides)),
		"ppt/_rels/presentation.xml.rels":        presentationRels(len(m.Slides)),
		"ppt/slideMasters/slideMaster1.xml":      slideMasterXML,
		"ppt/slideMasters/_rels/slideMaster1.xml.rels": slideMasterRels,
		"ppt/slideLayouts/slideLayout1.xml":      slideLayoutXML,
		"ppt/slideLayouts/_rels/slideLayout1.xml.rels": slideLayoutRels,
		"ppt/theme/theme1.xml":                   themeXML,
	}

	for i, slide := range m.Slides {
		n := i + 1
		files[fmt.Sprintf("ppt/slides/slide%d.xml", n)] = w.slideXML(slide)
		files[fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", n)] = slideRels
	}

	for name, content := range files {
		fw, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing package: %w", err)
	}

	w.logger.Debug("rendered presentation",
		"title", m.Title,
		"slides", len(m.Slides),
		"bytes", buf.Len(),
	)
	return buf.Bytes(), nil
}

// slideXML renders one slide's shape tree.
func (w *Writer) slideXML(slide assembly.Slide) string {
	var sb strings.Builder
	sb.WriteString(xmlHeader)
	sb.WriteString(`<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"><p:cSld><p:spTree>`)
	sb.WriteString(`<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr><p:grpSpPr/>`)

	id := 2
	for _, img := range slide.Images {
		sb.WriteString(imagePlaceholder(id, img))
		id++
	}
	for _, shape := range slide.Shapes {
		sb.WriteString(shapeXML(id, shape))
		id++
	}
	for _, text := range slide.Texts {
		sb.WriteString(textXML(id, text))
		id++
	}
	for _, table := range slide.Tables {
		sb.WriteString(tableXML(id, table.Rect, table.Header, table.Rows, table.ColumnWidths))
		id++
	}
	for _, chart := range slide.Charts {
		sb.WriteString(chartAsTableXML(id, chart))
		id++
	}

	sb.WriteString(`</p:spTree></p:cSld><p:clrMapOvr><a:overrideClrMapping bg1="lt1" tx1="dk1" bg2="lt2" tx2="dk2" accent1="accent1" accent2="accent2" accent3="accent3" accent4="accent4" accent5="accent5" accent6="accent6" hlink="hlink" folHlink="folHlink"/></p:clrMapOvr></p:sld>`)
	return sb.String()
}

// imagePlaceholder draws a named frame where the asset would sit.
func imagePlaceholder(id int, img assembly.Image) string {
	label := path.Base(img.Path)
	return fmt.Sprintf(`<p:sp><p:nvSpPr><p:cNvPr id="%d" name="%s"/><p:cNvSpPr/><p:nvPr/></p:nvSpPr><p:spPr>%s<a:prstGeom prst="rect"><a:avLst/></a:prstGeom><a:ln><a:solidFill><a:srgbClr val="D0D0D0"/></a:solidFill></a:ln></p:spPr><p:txBody><a:bodyPr/><a:p><a:r><a:rPr lang="en-US" sz="900"/><a:t>%s</a:t></a:r></a:p></p:txBody></p:sp>`,
		id, escape(label), xfrm(img.Rect), escape(label))
}

func shapeXML(id int, shape assembly.Shape) string {
	prst := "rect"
	switch shape.Kind {
	case "CIRCLE":
		prst = "ellipse"
	case "LINE":
		prst = "line"
	}

	var fill string
	if shape.Fill != "" {
		fill = fmt.Sprintf(`<a:solidFill><a:srgbClr val="%s"/></a:solidFill>`, escape(shape.Fill))
	}

	var line string
	if shape.Line != nil {
		width := int(shape.Line.WidthPt * 12700) // points → EMU
		line = fmt.Sprintf(`<a:ln w="%d"><a:solidFill><a:srgbClr val="%s"/></a:solidFill></a:ln>`, width, escape(shape.Line.Color))
	}

	return fmt.Sprintf(`<p:sp><p:nvSpPr><p:cNvPr id="%d" name="Shape %d"/><p:cNvSpPr/><p:nvPr/></p:nvSpPr><p:spPr>%s<a:prstGeom prst="%s"><a:avLst/></a:prstGeom>%s%s</p:spPr><p:txBody><a:bodyPr/><a:p/></p:txBody></p:sp>`,
		id, id, xfrm(shape.Rect), prst, fill, line)
}

func textXML(id int, text assembly.Text) string {
	var runs strings.Builder
	align := ""
	for _, run := range text.Runs {
		if run.Align != "" && align == "" {
			align = run.Align
		}
		runs.WriteString(runXML(run))
	}

	pPr := ""
	if a := alignCode(align); a != "" {
		pPr = fmt.Sprintf(`<a:pPr algn="%s"/>`, a)
	}

	return fmt.Sprintf(`<p:sp><p:nvSpPr><p:cNvPr id="%d" name="Text %d"/><p:cNvSpPr txBox="1"/><p:nvPr/></p:nvSpPr><p:spPr>%s<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></p:spPr><p:txBody><a:bodyPr wrap="square"/><a:p>%s%s</a:p></p:txBody></p:sp>`,
		id, id, xfrm(text.Rect), pPr, runs.String())
}

func runXML(run assembly.TextRun) string {
	var props strings.Builder
	props.WriteString(`<a:rPr lang="en-US"`)
	if run.FontSize > 0 {
		fmt.Fprintf(&props, ` sz="%d"`, int(run.FontSize*100))
	}
	if run.Bold {
		props.WriteString(` b="1"`)
	}
	if run.Italic {
		props.WriteString(` i="1"`)
	}
	props.WriteString(">")
	if run.Color != "" {
		fmt.Fprintf(&props, `<a:solidFill><a:srgbClr val="%s"/></a:solidFill>`, escape(run.Color))
	}
	props.WriteString(`</a:rPr>`)

	var out strings.Builder
	for i, line := range strings.Split(run.Text, "\n") {
		if i > 0 {
			out.WriteString(`<a:br/>`)
		}
		out.WriteString(`<a:r>` + props.String() + `<a:t>` + escape(line) + `</a:t></a:r>`)
	}
	return out.String()
}

func tableXML(id int, rect assembly.Rect, header []string, rows [][]string, widths []float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<p:graphicFrame><p:nvGraphicFramePr><p:cNvPr id="%d" name="Table %d"/><p:cNvGraphicFramePr/><p:nvPr/></p:nvGraphicFramePr>`, id, id)
	fmt.Fprintf(&sb, `<p:xfrm><a:off x="%d" y="%d"/><a:ext cx="%d" cy="%d"/></p:xfrm>`,
		emu(rect.X), emu(rect.Y), emu(rect.W), emu(rect.H))
	sb.WriteString(`<a:graphic><a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/table"><a:tbl><a:tblPr firstRow="1" bandRow="0"/><a:tblGrid>`)

	for i := range header {
		width := rect.W / float64(len(header))
		if i < len(widths) {
			width = widths[i]
		}
		fmt.Fprintf(&sb, `<a:gridCol w="%d"/>`, emu(width))
	}
	sb.WriteString(`</a:tblGrid>`)

	writeRow := func(cells []string, bold bool) {
		sb.WriteString(`<a:tr h="370840">`)
		for _, cell := range cells {
			b := ""
			if bold {
				b = ` b="1"`
			}
			fmt.Fprintf(&sb, `<a:tc><a:txBody><a:bodyPr/><a:p><a:r><a:rPr lang="en-US"%s/><a:t>%s</a:t></a:r></a:p></a:txBody><a:tcPr/></a:tc>`, b, escape(cell))
		}
		sb.WriteString(`</a:tr>`)
	}

	writeRow(header, true)
	for _, row := range rows {
		writeRow(row, false)
	}

	sb.WriteString(`</a:tbl></a:graphicData></a:graphic></p:graphicFrame>`)
	return sb.String()
}

// chartAsTableXML renders a chart's backing data as a table frame.
func chartAsTableXML(id int, chart assembly.Chart) string {
	header := make([]string, 0, len(chart.Series)+1)
	header = append(header, string(chart.Kind))
	for _, s := range chart.Series {
		header = append(header, s.Name)
	}

	rows := make([][]string, len(chart.Categories))
	for i, cat := range chart.Categories {
		row := make([]string, 0, len(chart.Series)+1)
		row = append(row, cat)
		for _, s := range chart.Series {
			if i < len(s.Values) {
				row = append(row, strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", s.Values[i]), "0"), "."))
			} else {
				row = append(row, "")
			}
		}
		rows[i] = row
	}

	return tableXML(id, chart.Rect, header, rows, nil)
}

func xfrm(r assembly.Rect) string {
	return fmt.Sprintf(`<a:xfrm><a:off x="%d" y="%d"/><a:ext cx="%d" cy="%d"/></a:xfrm>`,
		emu(r.X), emu(r.Y), emu(r.W), emu(r.H))
}

func emu(inches float64) int64 {
	return int64(inches * emuPerInch)
}

func alignCode(align string) string {
	switch align {
	case "center":
		return "ctr"
	case "right":
		return "r"
	case "justify":
		return "just"
	case "left":
		return "l"
	}
	return ""
}

func escape(s string) string {
	return xmlReplacer.Replace(s)
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)
