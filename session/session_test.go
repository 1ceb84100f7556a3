package session

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"github.com/TMSKit/simnibs/region"
	"github.com/TMSKit/simnibs/tes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// gridSurface is an n x n flat surface grid, 1 mm spacing, tag 1005.
func gridSurface(t *testing.T, n int) *mesh.Mesh {
	t.Helper()
	nodes := make([]r3.Vec, 0, n*n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			nodes = append(nodes, r3.Vec{X: float64(i), Y: float64(j)})
		}
	}
	var conn [][]int
	var tags []int
	for j := 0; j < n-1; j++ {
		for i := 0; i < n-1; i++ {
			a := j*n + i
			conn = append(conn, []int{a, a + 1, a + n}, []int{a + 1, a + n + 1, a + n})
			tags = append(tags, 1005, 1005)
		}
	}
	m, err := mesh.New(nodes, conn, tags)
	require.NoError(t, err)
	return m
}

// writeContainer fabricates a leadfield npz plus metadata sidecar for the
// given mesh and returns the described store.
func writeContainer(t *testing.T, dir string, m *mesh.Mesh, electrodes int) *leadfield.Store {
	t.Helper()
	path := filepath.Join(dir, "lf.npz")

	entities := m.NodeCount()
	data := make([]float64, 0, (electrodes-1)*entities*3)
	for e := 1; e < electrodes; e++ {
		phase := float64(e)
		for _, p := range m.NodeCoords() {
			data = append(data,
				math.Sin(0.3*p.X+phase)*0.5,
				math.Cos(0.3*p.Y-phase)*0.5,
				1.0/(1.0+0.1*(p.X+p.Y)+0.2*phase),
			)
		}
	}

	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d, 3), }",
		electrodes-1, entities)
	total := 10 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	var npy bytes.Buffer
	npy.WriteString("\x93NUMPY")
	npy.WriteByte(1)
	npy.WriteByte(0)
	require.NoError(t, binary.Write(&npy, binary.LittleEndian, uint16(len(header))))
	npy.WriteString(header)
	require.NoError(t, binary.Write(&npy, binary.LittleEndian, data))

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	zf, err := zw.Create("leadfield.npy")
	require.NoError(t, err)
	_, err = zf.Write(npy.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	meta := "field: E\nunits: V/m\nelectrodes:\n"
	for i := 0; i < electrodes; i++ {
		meta += fmt.Sprintf("  - name: El%d\n    tag: %d\n    pos: [%d, 0, 0]\n", i+1, i, i)
	}
	require.NoError(t, os.WriteFile(path+".meta.yaml", []byte(meta), 0o644))

	store, err := leadfield.Describe(path, "leadfield")
	require.NoError(t, err)
	return store
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	cfg := `
name: motor cortex
leadfield:
  path: lf.npz
targets:
  - indices: [6]
    intensity: 0.2
avoids:
  - indices: [9]
    weight: 500
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "motor cortex", c.Name)
	assert.Equal(t, "leadfield", c.Leadfield.Dataset)
	assert.Equal(t, tes.DefaultMaxTotalCurrent, c.MaxTotalCurrent)
	assert.Equal(t, tes.DefaultMaxIndividualCurrent, c.MaxIndividualCurrent)
	require.Len(t, c.Targets, 1)
	require.Len(t, c.Avoids, 1)

	tgt, err := c.Targets[0].target()
	require.NoError(t, err)
	assert.Equal(t, []int{6}, tgt.Indices)
	assert.Equal(t, 0.2, tgt.Intensity)
	assert.Equal(t, region.DefaultRadius, tgt.Radius)
	assert.Equal(t, region.DirectionNormal, tgt.Mode)

	av := c.Avoids[0].avoid()
	assert.Equal(t, 500.0, av.Weight)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: {not: [a, list"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	// A config without a leadfield path is useless.
	require.NoError(t, os.WriteFile(path, []byte("name: x"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestTargetConfigDirection(t *testing.T) {
	tc := TargetConfig{Direction: "explicit", Vectors: [][3]float64{{0, 0, 2}}}
	tgt, err := tc.target()
	require.NoError(t, err)
	assert.Equal(t, region.DirectionExplicit, tgt.Mode)
	require.Len(t, tgt.Vectors, 1)

	tc = TargetConfig{Direction: "sideways"}
	_, err = tc.target()
	assert.Error(t, err)
}

func TestSessionRun(t *testing.T) {
	dir := t.TempDir()
	m := gridSurface(t, 5)
	store := writeContainer(t, dir, m, 3)

	cfg := &Config{
		Leadfield: LeadfieldConfig{Path: store.Path, Dataset: "leadfield"},
		Targets:   []TargetConfig{{Indices: []int{6}}},
		Avoids:    []AvoidConfig{{Indices: []int{20}}},
	}
	cfg.applyDefaults()

	s := New(cfg, m, store, testLogger())
	assert.NotEmpty(t, s.ID)

	outMesh := filepath.Join(dir, "result.msh")
	outCSV := filepath.Join(dir, "currents.csv")
	currents, err := s.Run(outMesh, outCSV)
	require.NoError(t, err)
	require.Len(t, currents, 3)

	sum := 0.0
	for _, c := range currents {
		sum += c
	}
	assert.InDelta(t, 0.0, sum, leadfield.SumTolerance)

	// The CSV round-trips with the electrode names.
	names, got, err := leadfield.ReadCurrentsCSV(outCSV)
	require.NoError(t, err)
	assert.Equal(t, []string{"El1", "El2", "El3"}, names)
	require.Len(t, got, 3)

	// The artifact is a Gmsh ASCII mesh with the field views embedded.
	raw, err := os.ReadFile(outMesh)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "$MeshFormat")
	assert.Contains(t, text, "$Nodes")
	assert.Contains(t, text, "$Elements")
	assert.Contains(t, text, "$NodeData")
	assert.Contains(t, text, "\"E_magn\"")
	assert.Contains(t, text, "\"E_normal\"")
	assert.Contains(t, text, "\"target_1\"")
	assert.Contains(t, text, "\"avoid_1\"")
}

func TestNewNilLogger(t *testing.T) {
	dir := t.TempDir()
	m := gridSurface(t, 5)
	store := writeContainer(t, dir, m, 3)

	cfg := &Config{
		Leadfield: LeadfieldConfig{Path: store.Path, Dataset: "leadfield"},
		Targets:   []TargetConfig{{Indices: []int{6}}},
	}
	cfg.applyDefaults()

	// A nil logger discards output instead of panicking on the first log.
	s := New(cfg, m, store, nil)
	currents, err := s.Run("", "")
	require.NoError(t, err)
	require.Len(t, currents, 3)
}

func TestSessionRunDistributed(t *testing.T) {
	dir := t.TempDir()
	m := gridSurface(t, 5)
	store := writeContainer(t, dir, m, 3)

	cfg := &Config{
		Leadfield:   LeadfieldConfig{Path: store.Path, Dataset: "leadfield"},
		Distributed: &DistributedConfig{},
	}
	cfg.applyDefaults()
	assert.Equal(t, region.DefaultIntensity, cfg.Distributed.Intensity)

	dims := [3]int{5, 5, 5}
	data := make([]float64, dims[0]*dims[1]*dims[2])
	for i := range data {
		data[i] = 1
	}
	affine := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		affine.Set(i, i, 1)
	}
	img, err := tes.NewImage(data, dims, affine)
	require.NoError(t, err)

	s := New(cfg, m, store, testLogger())
	outCSV := filepath.Join(dir, "distributed.csv")
	currents, err := s.RunDistributed(img, outCSV)
	require.NoError(t, err)
	require.Len(t, currents, 3)

	sum := 0.0
	for _, c := range currents {
		sum += c
	}
	assert.InDelta(t, 0.0, sum, leadfield.SumTolerance)
	_, _, err = leadfield.ReadCurrentsCSV(outCSV)
	require.NoError(t, err)
}
