package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/handover-simulator/model"
)

// MobilityModel yields a device position for a given simulation time.
type MobilityModel interface {
	PositionAt(simTime time.Time) model.Location
}

// StaticMobility keeps a device at a fixed location.
type StaticMobility struct {
	At model.Location
}

// PositionAt for static mobility always returns At.
func (m *StaticMobility) PositionAt(time.Time) model.Location {
	return m.At
}

// LinearMobility moves along a polyline of waypoints at constant speed
// (distance units per second of simulation time) starting at Start.
type LinearMobility struct {
	Waypoints []model.Location
	Speed     float64
	Start     time.Time
	// Loop continues from the last waypoint back to the first instead of
	// stopping at the end of the path.
	Loop bool
}

// PositionAt interpolates the position along the path.
func (m *LinearMobility) PositionAt(simTime time.Time) model.Location {
	switch len(m.Waypoints) {
	case 0:
		return model.Location{}
	case 1:
		return m.Waypoints[0]
	}

	elapsed := simTime.Sub(m.Start).Seconds()
	if elapsed <= 0 || m.Speed <= 0 {
		return m.Waypoints[0]
	}
	travel := elapsed * m.Speed

	path := m.Waypoints
	if m.Loop {
		path = append(append([]model.Location{}, m.Waypoints...), m.Waypoints[0])
	}
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += path[i-1].DistanceTo(path[i])
	}
	if total == 0 {
		return path[0]
	}
	if travel >= total {
		if !m.Loop {
			return path[len(path)-1]
		}
		travel = math.Mod(travel, total)
	}

	for i := 1; i < len(path); i++ {
		seg := path[i-1].DistanceTo(path[i])
		if seg == 0 {
			continue
		}
		if travel <= seg {
			f := travel / seg
			return model.Location{
				X: path[i-1].X + (path[i].X-path[i-1].X)*f,
				Y: path[i-1].Y + (path[i].Y-path[i-1].Y)*f,
			}
		}
		travel -= seg
	}
	return path[len(path)-1]
}

// NewMobilityModel picks LinearMobility when a path with positive speed is
// given and StaticMobility at origin otherwise.
func NewMobilityModel(origin model.Location, waypoints []model.Location, speed float64, start time.Time, loop bool) MobilityModel {
	if len(waypoints) == 0 || speed <= 0 {
		return &StaticMobility{At: origin}
	}
	path := append([]model.Location{origin}, waypoints...)
	return &LinearMobility{Waypoints: path, Speed: speed, Start: start, Loop: loop}
}
