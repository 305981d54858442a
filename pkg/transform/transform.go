// Package transform converts raw CSV view payloads into typed view data
// driven by the declarative column schemas of the view catalog.
package transform

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/wisbric/reportowl/pkg/registry"
	"github.com/wisbric/reportowl/pkg/tableau"
)

// ViewConfigMissingError indicates a view key has no catalog entry.
type ViewConfigMissingError struct {
	UseCase string
	ViewKey string
}

func (e *ViewConfigMissingError) Error() string {
	return fmt.Sprintf("use case %q has no view config for %q", e.UseCase, e.ViewKey)
}

// Transformer shapes CSV payloads according to the view catalog.
type Transformer struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a Transformer.
func New(reg *registry.Registry, logger *slog.Logger) *Transformer {
	return &Transformer{registry: reg, logger: logger}
}

// BuildViewConfigs enumerates the views of a use case in catalog order and
// binds each declared filter key to its remote parameter name and the
// submitted value. Unset filter keys are omitted; submitted filters with
// no binding are ignored with a warning.
func (t *Transformer) BuildViewConfigs(useCase string, filters map[string]string) ([]tableau.ViewRequest, error) {
	catalog, err := t.registry.ViewCatalog(useCase)
	if err != nil {
		return nil, err
	}

	for key := range filters {
		if _, ok := catalog.Filters[key]; !ok {
			t.logger.Warn("ignoring filter with no configured binding",
				"use_case", useCase, "filter_key", key)
		}
	}

	out := make([]tableau.ViewRequest, 0, len(catalog.Views))
	for _, view := range catalog.Views {
		params := map[string]string{}
		for _, fk := range view.FilterKeys {
			value, ok := filters[fk]
			if !ok || value == "" {
				continue
			}
			params[catalog.Filters[fk]] = value
		}
		out = append(out, tableau.ViewRequest{
			ViewKey:      view.Key,
			ViewName:     view.Name,
			FilterParams: params,
		})
	}
	return out, nil
}

// Transform parses one view's CSV payload and shapes it per the view's
// catalog entry: a FlagCard for single-value views, a Table otherwise.
func (t *Transformer) Transform(useCase, viewKey, csvData string) (ViewData, error) {
	catalog, err := t.registry.ViewCatalog(useCase)
	if err != nil {
		return nil, err
	}
	view, ok := catalog.View(viewKey)
	if !ok {
		return nil, &ViewConfigMissingError{UseCase: useCase, ViewKey: viewKey}
	}

	records, err := parseCSV(csvData)
	if err != nil {
		return nil, fmt.Errorf("parsing CSV for view %q: %w", viewKey, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("view %q: CSV has no header row", viewKey)
	}

	header, rows := records[0], records[1:]

	columnIndex := map[string]int{}
	for i, name := range header {
		columnIndex[strings.TrimSpace(name)] = i
	}

	// Project the schema onto the CSV: keep needed columns that actually
	// exist, preserving schema order.
	var columns []registry.Column
	var indices []int
	for _, col := range view.Columns {
		if !col.IsNeededForView {
			continue
		}
		idx, ok := columnIndex[col.ColumnName]
		if !ok {
			t.logger.Warn("CSV column missing, skipping",
				"use_case", useCase, "view", viewKey, "column", col.ColumnName)
			continue
		}
		columns = append(columns, col)
		indices = append(indices, idx)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("view %q: none of the configured columns are present", viewKey)
	}

	cellRows := make([][]Cell, 0, len(rows))
	for _, record := range rows {
		cells := make([]Cell, len(columns))
		empty := true
		for i, col := range columns {
			var raw string
			if indices[i] < len(record) {
				raw = record[indices[i]]
			}
			value := normalize(raw, col.Format)
			if value != "" {
				empty = false
			}
			cells[i] = Cell{Field: col.FieldKey, Value: value, Format: col.Format}
		}
		if empty {
			continue
		}
		cellRows = append(cellRows, cells)
	}

	switch view.ViewType {
	case registry.ViewTypeFlagCard:
		if len(cellRows) == 0 {
			return nil, fmt.Errorf("view %q: flag card CSV has no data rows", viewKey)
		}
		first := cellRows[0][0]
		return &FlagCard{Field: first.Field, Value: first.Value, Format: first.Format}, nil

	case registry.ViewTypeTable:
		headers := make([]Header, len(columns))
		for i, col := range columns {
			headers[i] = Header{Field: col.FieldKey, DisplayName: col.DisplayName, Format: col.Format}
		}
		return &Table{Headers: headers, Rows: cellRows}, nil

	default:
		return nil, fmt.Errorf("view %q: unknown view type %q", viewKey, view.ViewType)
	}
}

// TransformAll shapes every fetched view. Individual failures are logged
// and excluded; the result may be empty.
func (t *Transformer) TransformAll(useCase string, raw map[string]string) (map[string]ViewData, error) {
	catalog, err := t.registry.ViewCatalog(useCase)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ViewData, len(raw))
	for _, view := range catalog.Views {
		csvData, ok := raw[view.Key]
		if !ok {
			continue
		}
		data, err := t.Transform(useCase, view.Key, csvData)
		if err != nil {
			t.logger.Error("transforming view failed, excluding from result",
				"use_case", useCase, "view", view.Key, "error", err)
			continue
		}
		out[view.Key] = data
	}
	return out, nil
}

// parseCSV reads all records, dropping fully-empty ones so the first real
// row becomes the header. Quoted fields may contain commas, newlines, and
// doubled quotes per RFC 4180.
func parseCSV(data string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1

	var records [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if isEmptyRecord(record) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func isEmptyRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// normalize prepares a raw cell for downstream numeric parsing: numeric
// formats lose their comma grouping, strings are trimmed.
func normalize(value string, format registry.Format) string {
	value = strings.TrimSpace(value)
	if format.IsNumeric() {
		value = strings.ReplaceAll(value, ",", "")
		// Currency payloads sometimes arrive pre-symbolled.
		value = strings.TrimPrefix(value, "$")
	}
	return value
}
