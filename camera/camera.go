// Package camera holds the minimal pinhole camera model the estimation core
// needs to evaluate reprojection residuals. The full camera stack (image I/O,
// distortion, stereo rectification) lives with the visual frontend.
package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Pinhole holds the intrinsic parameters of an undistorted pinhole camera.
type Pinhole struct {
	Fx  float64 `json:"fx"`
	Fy  float64 `json:"fy"`
	Ppx float64 `json:"ppx"`
	Ppy float64 `json:"ppy"`
}

// Validate ensures all parts of the config are valid.
func (p *Pinhole) Validate(path string) error {
	if p.Fx <= 0 || p.Fy <= 0 {
		return errors.Errorf("error validating %q: focal lengths must be positive", path)
	}
	if p.Ppx < 0 || p.Ppy < 0 {
		return errors.Errorf("error validating %q: principal point must be non-negative", path)
	}
	return nil
}

// Project maps a point in the camera frame onto the image plane. Points at or
// behind the camera plane project through a clamped depth so that residuals
// stay finite for the solver.
func (p *Pinhole) Project(pt r3.Vector) r2.Point {
	z := pt.Z
	if z < 1e-9 {
		z = 1e-9
	}
	return r2.Point{
		X: (pt.X/z)*p.Fx + p.Ppx,
		Y: (pt.Y/z)*p.Fy + p.Ppy,
	}
}
