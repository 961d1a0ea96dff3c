package output

import (
	"io"
	"sort"

	"github.com/pterm/pterm"

	"github.com/aperture-cli/aperture/pkg/errs"
)

const maxCellWidth = 80

// renderTable writes an array of objects as a table: one row per element,
// columns are the union of keys across all elements, sorted.
func renderTable(w io.Writer, value any) error {
	arr := value.([]any)

	keySet := make(map[string]bool)
	for _, item := range arr {
		for k := range item.(map[string]any) {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := make(pterm.TableData, 0, len(arr)+1)
	data = append(data, keys)
	for _, item := range arr {
		obj := item.(map[string]any)
		row := make([]string, len(keys))
		for i, k := range keys {
			row[i] = truncateCell(cellString(obj[k]), maxCellWidth)
		}
		data = append(data, row)
	}

	rendered, err := pterm.DefaultTable.WithHasHeader(true).WithData(data).Srender()
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to render table")
	}
	if _, err := io.WriteString(w, rendered+"\n"); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to write table output")
	}
	return nil
}
