package factors

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/vilo-slam/vilo/camera"
	"github.com/vilo-slam/vilo/solver"
	"github.com/vilo-slam/vilo/spatialmath"
)

// ReprojectionDim is the pixel residual dimension.
const ReprojectionDim = 2

// PoseOnlyReprojection compares an observed pixel against the projection of
// a fixed world point through the observing pose. Used when the landmark's
// anchor frame is older than the window and treated as fixed. 2 residuals,
// blocks: pose (world-from-body).
func PoseOnlyReprojection(ob r2.Point, pw r3.Vector, cam *camera.Pinhole, weight float64) solver.ResidualFunc {
	return func(params [][]float64, residuals []float64) {
		pose := spatialmath.NewSE3FromParams(params[0])
		px := cam.Project(pose.Inverse().TransformPoint(pw))
		residuals[0] = weight * (ob.X - px.X)
		residuals[1] = weight * (ob.Y - px.Y)
	}
}

// TwoFrameReprojection compares an observed pixel against the projection of
// a point expressed in its anchor frame, chained through both poses. Used
// when the anchor frame is inside the window. 2 residuals, blocks:
// anchor pose, observing pose.
func TwoFrameReprojection(anchorPoint r3.Vector, ob r2.Point, cam *camera.Pinhole, weight float64) solver.ResidualFunc {
	return func(params [][]float64, residuals []float64) {
		anchor := spatialmath.NewSE3FromParams(params[0])
		observer := spatialmath.NewSE3FromParams(params[1])
		pw := anchor.TransformPoint(anchorPoint)
		px := cam.Project(observer.Inverse().TransformPoint(pw))
		residuals[0] = weight * (ob.X - px.X)
		residuals[1] = weight * (ob.Y - px.Y)
	}
}

// ReprojectionError returns the pixel distance between an observation and
// the projection of a world point through a pose; the outlier gate the
// backend applies after each solve.
func ReprojectionError(ob r2.Point, pw r3.Vector, pose spatialmath.SE3, cam *camera.Pinhole) float64 {
	px := cam.Project(pose.Inverse().TransformPoint(pw))
	return ob.Sub(px).Norm()
}
