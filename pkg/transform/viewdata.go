package transform

import "github.com/wisbric/reportowl/pkg/registry"

// ViewData is the shaped output of one view: either a FlagCard or a Table.
type ViewData interface {
	isViewData()
}

// FlagCard is a single-value view: one scalar plus its field and format.
type FlagCard struct {
	Field  string
	Value  string
	Format registry.Format
}

func (*FlagCard) isViewData() {}

// Header describes one table column in display order.
type Header struct {
	Field       string
	DisplayName string
	Format      registry.Format
}

// Cell is one table cell.
type Cell struct {
	Field  string
	Value  string
	Format registry.Format
}

// Table is a tabular view: ordered headers and rows of cells. Every row
// has exactly len(Headers) cells.
type Table struct {
	Headers []Header
	Rows    [][]Cell
}

func (*Table) isViewData() {}
