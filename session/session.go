package session

import (
	"fmt"
	"io"
	"log"

	"github.com/TMSKit/simnibs/leadfield"
	"github.com/TMSKit/simnibs/mesh"
	"github.com/TMSKit/simnibs/tes"
	"github.com/google/uuid"
)

// Session owns one optimization run: configuration, mesh, leadfield store
// and the logging sink. The logger is injected; nothing global is mutated.
type Session struct {
	ID     string
	Config *Config
	Mesh   *mesh.Mesh
	Store  *leadfield.Store

	log *log.Logger
}

// New builds a session. The store should come from leadfield.Describe; the
// bulk array is loaded on the first Run. A nil logger discards all output.
func New(cfg *Config, m *mesh.Mesh, store *leadfield.Store, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Session{
		ID:     uuid.NewString(),
		Config: cfg,
		Mesh:   m,
		Store:  store,
		log:    logger,
	}
}

// problem assembles the tes.Problem from the configuration.
func (s *Session) problem(lf *leadfield.Leadfield) (*tes.Problem, error) {
	p := tes.NewProblem(s.Mesh, lf)
	p.MaxTotalCurrent = s.Config.MaxTotalCurrent
	p.MaxIndividualCurrent = s.Config.MaxIndividualCurrent
	p.MaxActiveElectrodes = s.Config.MaxActiveElectrodes
	for _, tc := range s.Config.Targets {
		t, err := tc.target()
		if err != nil {
			return nil, err
		}
		p.Targets = append(p.Targets, t)
	}
	for _, ac := range s.Config.Avoids {
		p.Avoids = append(p.Avoids, ac.avoid())
	}
	return p, nil
}

// Run loads the leadfield, solves, logs the summary and writes the output
// artifacts. Empty paths skip the corresponding artifact.
func (s *Session) Run(outMesh, outCSV string) ([]float64, error) {
	s.log.Printf("session %s: loading leadfield %s", s.ID, s.Store.Path)
	lf, err := s.Store.Load()
	if err != nil {
		return nil, err
	}
	p, err := s.problem(lf)
	if err != nil {
		return nil, err
	}

	s.log.Printf("session %s: optimizing %d electrodes over %d entities", s.ID, lf.NumElectrodes, lf.M)
	currents, err := p.Optimize()
	if err != nil {
		return nil, err
	}
	summary, err := p.Summary(currents)
	if err != nil {
		return nil, err
	}
	s.log.Printf("session %s:\n%s", s.ID, summary)

	if outCSV != "" {
		comment := fmt.Sprintf("run %s, field %s (%s)", s.ID, lf.FieldName, lf.FieldUnits)
		if err := leadfield.WriteCurrentsCSV(outCSV, lf.Names, currents, comment); err != nil {
			return nil, err
		}
	}
	if outMesh != "" {
		if err := s.writeArtifact(outMesh, p, lf, currents); err != nil {
			return nil, err
		}
	}
	return currents, nil
}

// RunDistributed solves the distributed-source variant against an
// in-memory target image. The image is supplied by the caller; volume file
// parsing is an external concern.
func (s *Session) RunDistributed(img *tes.Image, outCSV string) ([]float64, error) {
	s.log.Printf("session %s: loading leadfield %s", s.ID, s.Store.Path)
	lf, err := s.Store.Load()
	if err != nil {
		return nil, err
	}

	p := tes.NewDistributedProblem(s.Mesh, lf, img)
	p.MaxTotalCurrent = s.Config.MaxTotalCurrent
	p.MaxIndividualCurrent = s.Config.MaxIndividualCurrent
	p.MaxActiveElectrodes = s.Config.MaxActiveElectrodes
	if d := s.Config.Distributed; d != nil {
		p.Intensity = d.Intensity
		p.MinImgValue = d.MinImgValue
	}

	s.log.Printf("session %s: distributed optimization, %d electrodes", s.ID, lf.NumElectrodes)
	currents, err := p.Optimize()
	if err != nil {
		return nil, err
	}
	erni, err := p.ERNI(currents)
	if err != nil {
		return nil, err
	}
	s.log.Printf("session %s: ERNI = %.4e", s.ID, erni)

	if outCSV != "" {
		comment := fmt.Sprintf("run %s, distributed, ERNI %.4e", s.ID, erni)
		if err := leadfield.WriteCurrentsCSV(outCSV, lf.Names, currents, comment); err != nil {
			return nil, err
		}
	}
	return currents, nil
}
