package places

import (
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/width"

	"github.com/sells-group/pincode-places/internal/sheet"
)

// DefaultColumn is the input header that holds the postal codes.
const DefaultColumn = "Pincode"

// ErrMissingColumn is returned when the input sheet lacks the pincode column.
var ErrMissingColumn = eris.New("places: required column not found")

// PostalCodeRow is one postal code read from the input sheet.
type PostalCodeRow struct {
	Pincode string `json:"pincode"`
	Row     int    `json:"row"` // 1-based sheet row, header included
}

// InputOptions locates the postal codes inside the input workbook.
type InputOptions struct {
	Sheet  string // sheet name; first sheet when empty
	Column string // header name; DefaultColumn when empty
}

// ReadPincodes loads the postal code column of the input workbook. The
// first row is the header. Rows with an empty pincode are skipped.
func ReadPincodes(path string, opts InputOptions) ([]PostalCodeRow, error) {
	column := opts.Column
	if column == "" {
		column = DefaultColumn
	}

	rows, err := sheet.ReadXLSX(path, sheet.ReadOptions{SheetName: opts.Sheet})
	if err != nil {
		return nil, eris.Wrapf(err, "places: read input %s", path)
	}
	if len(rows) == 0 {
		return nil, eris.Wrapf(ErrMissingColumn, "%q in %s (sheet is empty)", column, path)
	}

	col := sheet.ColumnIndex(rows[0], column)
	if col < 0 {
		return nil, eris.Wrapf(ErrMissingColumn, "%q in %s", column, path)
	}

	out := make([]PostalCodeRow, 0, len(rows)-1)
	for i, r := range rows[1:] {
		rowNum := i + 2
		var raw string
		if col < len(r) {
			raw = r[col]
		}
		pin := NormalizePincode(raw)
		if pin == "" {
			zap.L().Warn("skipping row without pincode", zap.Int("row", rowNum))
			continue
		}
		out = append(out, PostalCodeRow{Pincode: pin, Row: rowNum})
	}
	return out, nil
}

// NormalizePincode trims a cell, folds full-width characters to their ASCII
// forms and drops an all-zero fractional part left by numeric cells
// ("560001.0" becomes "560001").
func NormalizePincode(s string) string {
	s = strings.TrimSpace(width.Fold.String(strings.TrimSpace(s)))

	dot := strings.IndexByte(s, '.')
	if dot <= 0 || !isDigits(s[:dot]) {
		return s
	}
	frac := s[dot+1:]
	if strings.Trim(frac, "0") == "" {
		return s[:dot]
	}
	return s
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
