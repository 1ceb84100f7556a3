package leadfield

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/TMSKit/simnibs"
)

// WriteCurrentsCSV writes (electrode name, current in amperes) rows, one
// per electrode including the reference. Lines starting with '#' are
// comments; comment carries run provenance when non-empty.
func WriteCurrentsCSV(path string, names []string, currents []float64, comment string) error {
	if len(names) != len(currents) {
		return fmt.Errorf("leadfield: %d names for %d currents: %w",
			len(names), len(currents), simnibs.ErrPrecondition)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("leadfield: creating %s: %w", path, err)
	}
	defer f.Close()
	if comment != "" {
		if _, err := fmt.Fprintf(f, "# %s\n", comment); err != nil {
			return err
		}
	}
	w := csv.NewWriter(f)
	for i, name := range names {
		if err := w.Write([]string{name, strconv.FormatFloat(currents[i], 'e', 9, 64)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ReadCurrentsCSV reads back a currents file written by WriteCurrentsCSV.
func ReadCurrentsCSV(path string) (names []string, currents []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("leadfield: opening %s: %w", path, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comment = '#'
	r.FieldsPerRecord = 2
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("leadfield: parsing %s: %w", path, err)
	}
	for _, row := range rows {
		c, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("leadfield: bad current %q: %w", row[1], err)
		}
		names = append(names, row[0])
		currents = append(currents, c)
	}
	return names, currents, nil
}
