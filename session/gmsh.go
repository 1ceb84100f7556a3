package session

import (
	"bufio"
	"fmt"
	"os"

	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"github.com/TMSKit/simnibs/tes"
	"gonum.org/v1/gonum/spatial/r3"
)

// writeArtifact writes the result mesh in Gmsh ASCII 2.2 format with the
// computed field embedded as named data views: field vectors, magnitude,
// the normal component where normals exist, the target field, and each
// avoid region's weight markers.
func (s *Session) writeArtifact(path string, p *tes.Problem, lf *leadfield.Leadfield, currents []float64) error {
	field, err := lf.Field(currents)
	if err != nil {
		return err
	}
	kind, err := lf.KindFor(s.Mesh)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	writeGmshMesh(w, s.Mesh)

	name := lf.FieldName
	writeVectorData(w, kind, name, field)
	mag := make([]float64, len(field))
	for i, e := range field {
		mag[i] = r3.Norm(e)
	}
	writeScalarData(w, kind, name+"_magn", mag)

	if s.Mesh.Kind == mesh.Tri {
		normals, err := entityNormals(s.Mesh, kind)
		if err == nil {
			comp := make([]float64, len(field))
			for i, e := range field {
				comp[i] = r3.Dot(e, r3.Scale(-1, normals[i]))
			}
			writeScalarData(w, kind, name+"_normal", comp)
		}
	}

	for i, t := range p.Targets {
		tf, err := t.Field(s.Mesh, kind)
		if err != nil {
			return err
		}
		writeVectorData(w, kind, fmt.Sprintf("target_%d", i+1), tf)
	}
	for i, a := range p.Avoids {
		wf, err := a.WeightField(s.Mesh, kind)
		if err != nil {
			return err
		}
		writeScalarData(w, kind, fmt.Sprintf("avoid_%d", i+1), wf)
	}
	return w.Flush()
}

func entityNormals(m *mesh.Mesh, kind leadfield.Kind) ([]r3.Vec, error) {
	if kind == leadfield.NodeBased {
		return m.NodeNormals()
	}
	return m.TriangleNormals()
}

func writeGmshMesh(w *bufio.Writer, m *mesh.Mesh) {
	fmt.Fprintf(w, "$MeshFormat\n2.2 0 8\n$EndMeshFormat\n")

	fmt.Fprintf(w, "$Nodes\n%d\n", m.NodeCount())
	for id := 1; id <= m.NodeCount(); id++ {
		p := m.NodeCoord(id)
		fmt.Fprintf(w, "%d %.9g %.9g %.9g\n", id, p.X, p.Y, p.Z)
	}
	fmt.Fprintf(w, "$EndNodes\n")

	elType := 2 // 3-node triangle
	if m.Kind == mesh.Tet {
		elType = 4
	}
	fmt.Fprintf(w, "$Elements\n%d\n", m.ElementCount())
	for id := 1; id <= m.ElementCount(); id++ {
		tag := m.ElementTag(id)
		fmt.Fprintf(w, "%d %d 2 %d %d", id, elType, tag, tag)
		for _, n := range m.ElementNodes(id) {
			fmt.Fprintf(w, " %d", n)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "$EndElements\n")
}

func dataSection(kind leadfield.Kind) string {
	if kind == leadfield.NodeBased {
		return "NodeData"
	}
	return "ElementData"
}

func writeDataHeader(w *bufio.Writer, section, name string, components, n int) {
	fmt.Fprintf(w, "$%s\n1\n\"%s\"\n1\n0.0\n3\n0\n%d\n%d\n", section, name, components, n)
}

func writeScalarData(w *bufio.Writer, kind leadfield.Kind, name string, data []float64) {
	section := dataSection(kind)
	writeDataHeader(w, section, name, 1, len(data))
	for i, v := range data {
		fmt.Fprintf(w, "%d %.9g\n", i+1, v)
	}
	fmt.Fprintf(w, "$End%s\n", section)
}

func writeVectorData(w *bufio.Writer, kind leadfield.Kind, name string, data []r3.Vec) {
	section := dataSection(kind)
	writeDataHeader(w, section, name, 3, len(data))
	for i, v := range data {
		fmt.Fprintf(w, "%d %.9g %.9g %.9g\n", i+1, v.X, v.Y, v.Z)
	}
	fmt.Fprintf(w, "$End%s\n", section)
}
