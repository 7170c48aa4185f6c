// Package vilo wires the estimation core together: the shared keyframe map,
// the pose-graph propagator and the windowed optimization backend.
package vilo

import (
	"io"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"

	"github.com/vilo-slam/vilo/backend"
	"github.com/vilo-slam/vilo/camera"
	"github.com/vilo-slam/vilo/frame"
	"github.com/vilo-slam/vilo/posegraph"
)

// System owns the shared state and the background optimization worker. The
// tracking frontend inserts keyframes into Map and calls
// Backend.UpdateMap; everything downstream runs on the worker.
type System struct {
	Map     *frame.Map
	Graph   *posegraph.PoseGraph
	Backend *backend.Backend

	frontend backend.Frontend
}

// New builds the map, pose graph and backend and starts the worker.
func New(
	cfg backend.Config,
	cam *camera.Pinhole,
	frontend backend.Frontend,
	logger golog.Logger,
	opts ...backend.Option,
) (*System, error) {
	m := frame.NewMap(logger)
	graph := posegraph.New(m, logger)
	be, err := backend.New(cfg, cam, m, graph, frontend, logger, opts...)
	if err != nil {
		return nil, err
	}
	return &System{Map: m, Graph: graph, Backend: be, frontend: frontend}, nil
}

// Close stops the worker and closes the frontend when it owns resources.
func (s *System) Close() error {
	var err error
	if c, ok := s.frontend.(io.Closer); ok {
		err = multierr.Combine(err, c.Close())
	}
	return multierr.Combine(err, s.Backend.Close())
}
