package leadfield

import (
	"path/filepath"
	"testing"

	"github.com/TMSKit/simnibs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// smallLeadfield builds a 3-electrode, 2-entity operator where row 0 is a
// unit +x field everywhere and row 1 a unit +y field.
func smallLeadfield(t *testing.T) *Leadfield {
	t.Helper()
	data := []float64{
		1, 0, 0, 1, 0, 0, // electrode 1 (reduced row 0)
		0, 1, 0, 0, 1, 0, // electrode 2 (reduced row 1)
	}
	lf, err := FromArray(data, 3, 2, []string{"Ref", "A", "B"})
	require.NoError(t, err)
	return lf
}

func TestFromArrayValidation(t *testing.T) {
	_, err := FromArray(nil, 1, 2, nil)
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)

	_, err = FromArray(make([]float64, 5), 3, 2, nil)
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)

	_, err = FromArray(make([]float64, 12), 3, 2, []string{"only one"})
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)

	lf, err := FromArray(make([]float64, 12), 3, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "El0", lf.Names[0])
	assert.Equal(t, "E", lf.FieldName)
	assert.Equal(t, "V/m", lf.FieldUnits)
}

func TestAt(t *testing.T) {
	lf := smallLeadfield(t)
	assert.Equal(t, r3.Vec{X: 1}, lf.At(0, 0))
	assert.Equal(t, r3.Vec{Y: 1}, lf.At(1, 1))
}

func TestField(t *testing.T) {
	lf := smallLeadfield(t)

	field, err := lf.Field([]float64{-3e-3, 1e-3, 2e-3})
	require.NoError(t, err)
	require.Len(t, field, 2)
	assert.InDelta(t, 1e-3, field[0].X, 1e-15)
	assert.InDelta(t, 2e-3, field[0].Y, 1e-15)

	// Length mismatch.
	_, err = lf.Field([]float64{0, 0})
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)

	// Violating the zero-sum tolerance.
	_, err = lf.Field([]float64{0, 1e-3, 2e-3})
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)

	// A residue below the tolerance passes.
	_, err = lf.Field([]float64{-3e-3 + 1e-6, 1e-3, 2e-3})
	assert.NoError(t, err)
}

func TestCurrentsCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "currents.csv")
	names := []string{"Ref", "A", "B"}
	currents := []float64{-3e-3, 1e-3, 2e-3}

	require.NoError(t, WriteCurrentsCSV(path, names, currents, "unit test"))

	gotNames, gotCurrents, err := ReadCurrentsCSV(path)
	require.NoError(t, err)
	assert.Equal(t, names, gotNames)
	require.Len(t, gotCurrents, len(currents))
	for i := range currents {
		assert.InDelta(t, currents[i], gotCurrents[i], 1e-18)
	}

	// Mismatched lengths are rejected up front.
	err = WriteCurrentsCSV(path, names, currents[:2], "")
	assert.ErrorIs(t, err, simnibs.ErrPrecondition)
}
