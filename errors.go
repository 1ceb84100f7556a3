// Package simnibs provides the shared error taxonomy for the stimulation
// optimization packages in this module.
package simnibs

import "errors"

// Error kinds. Components wrap these with fmt.Errorf("...: %w", ...) so
// callers can classify failures with errors.Is.
var (
	// ErrPrecondition marks invalid problem set-ups: missing mesh or
	// leadfield, invalid bounds, incompatible target combinations. Raised
	// before any numerical work starts.
	ErrPrecondition = errors.New("precondition violation")

	// ErrEmptyRegion marks a resolved target or avoid region with no
	// mesh entities in it.
	ErrEmptyRegion = errors.New("empty region")

	// ErrUnsupported marks operations that are meaningless for the given
	// data, such as surface normals on a volumetric mesh.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrNumerical marks solver non-convergence or failures reported by
	// an external evaluator during a solve.
	ErrNumerical = errors.New("numerical failure")
)
