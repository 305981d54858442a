package assembly

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/wisbric/reportowl/pkg/registry"
)

// printer renders localized number grouping.
var printer = message.NewPrinter(language.English)

// FormatValue renders a normalized cell value for display. Non-numeric
// input under a numeric format falls through to plain string coercion.
func FormatValue(value string, format registry.Format) string {
	switch format {
	case registry.FormatCurrency:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return "$" + localizedNumber(n)

	case registry.FormatNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return printer.Sprintf("%d", int64(math.Round(n)))

	case registry.FormatDecimal:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return strconv.FormatFloat(n, 'f', 2, 64)

	case registry.FormatPercentage:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return strconv.FormatFloat(n, 'f', 2, 64) + "%"

	default:
		return strings.TrimSpace(value)
	}
}

// localizedNumber groups the integer part; whole numbers print without
// decimals, all others with exactly two.
func localizedNumber(n float64) string {
	if n == math.Trunc(n) {
		return printer.Sprintf("%d", int64(n))
	}
	return printer.Sprintf("%.2f", n)
}
