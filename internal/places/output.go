package places

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/pincode-places/internal/sheet"
)

// WriteRecords writes records to a workbook at path under the fixed
// Columns header, in slice order.
func WriteRecords(path, sheetName string, records []Record) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Values())
	}
	if err := sheet.WriteXLSX(path, sheetName, Columns, rows); err != nil {
		return eris.Wrapf(err, "places: write output %s", path)
	}
	return nil
}
