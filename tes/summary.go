package tes

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Summary renders the optimization outcome: current budget usage plus
// per-target and per-avoid field statistics.
func (p *Problem) Summary(currents []float64) (string, error) {
	field, err := p.Leadfield.Field(currents)
	if err != nil {
		return "", err
	}
	kind, err := p.Leadfield.KindFor(p.Mesh)
	if err != nil {
		return "", err
	}

	var total, maxAbs float64
	active := 0
	for _, c := range currents {
		total += math.Abs(c)
		if math.Abs(c) > maxAbs {
			maxAbs = math.Abs(c)
		}
		if math.Abs(c) > activeTol {
			active++
		}
	}

	var sb strings.Builder
	sb.WriteString("Optimization Summary\n")
	sb.WriteString("=============================\n")
	sb.WriteString(fmt.Sprintf("Total current: %.2e (A)\n", total/2))
	sb.WriteString(fmt.Sprintf("Maximum current: %.2e (A)\n", maxAbs))
	sb.WriteString(fmt.Sprintf("Active electrodes: %d\n", active))
	sb.WriteString("Field Summary\n")
	sb.WriteString("----------------------------\n")
	mean := 0.0
	for _, e := range field {
		mean += r3.Norm(e)
	}
	mean /= float64(len(field))
	sb.WriteString(fmt.Sprintf("Mean field magnitude: %.2e (%s)\n", mean, p.Leadfield.FieldUnits))

	for i, t := range p.Targets {
		intensity, err := t.MeanIntensity(p.Mesh, kind, field)
		if err != nil {
			return "", err
		}
		sb.WriteString(fmt.Sprintf("Target %d\n", i+1))
		sb.WriteString(fmt.Sprintf("    Intensity specified: %.2f achieved: %.2f (%s)\n",
			t.Intensity, intensity, p.Leadfield.FieldUnits))
		angle, err := t.MeanAngle(p.Mesh, kind, field)
		if err != nil {
			return "", err
		}
		if !math.IsNaN(angle) {
			if t.MaxAngle > 0 {
				sb.WriteString(fmt.Sprintf("    Average angle across target: %.1f (max set to %.1f) (degrees)\n",
					angle, t.MaxAngle))
			} else {
				sb.WriteString(fmt.Sprintf("    Average angle across target: %.1f (degrees)\n", angle))
			}
		}
	}
	for i, a := range p.Avoids {
		norm, err := a.MeanFieldNorm(p.Mesh, kind, field)
		if err != nil {
			return "", err
		}
		sb.WriteString(fmt.Sprintf("Avoid %d\n", i+1))
		sb.WriteString(fmt.Sprintf("    Mean field magnitude in region: %.2e (%s)\n",
			norm, p.Leadfield.FieldUnits))
	}
	return sb.String(), nil
}
