package model

// StationDefinition describes a fixed base station as provisioned at startup.
type StationDefinition struct {
	ID       string   `json:"id" yaml:"id"`
	Location Location `json:"location" yaml:"location"`
	// Capacity is the maximum number of simultaneously associated devices.
	Capacity int `json:"capacity" yaml:"capacity"`
}

// DefaultStations returns the two stations every run starts with unless
// configuration overrides them. Order matters: new devices attach to the
// first entry and handover ties resolve in this order.
func DefaultStations() []StationDefinition {
	return []StationDefinition{
		{ID: "BS1", Location: Location{X: 0, Y: 0}, Capacity: 3},
		{ID: "BS2", Location: Location{X: 80, Y: 80}, Capacity: 2},
	}
}

// DefaultInitialLocation is where newly registered devices appear.
var DefaultInitialLocation = Location{X: 10, Y: 10}
