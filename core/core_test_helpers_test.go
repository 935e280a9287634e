package core

import (
	"testing"

	"github.com/signalsfoundry/handover-simulator/model"
)

// stationMap is a minimal StationLookup for tests.
type stationMap map[string]*BaseStation

func (m stationMap) Station(id string) (*BaseStation, bool) {
	st, ok := m[id]
	return st, ok
}

func newStation(t *testing.T, id string, x, y float64, capacity int) *BaseStation {
	t.Helper()
	st, err := NewBaseStation(model.StationDefinition{
		ID:       id,
		Location: model.Location{X: x, Y: y},
		Capacity: capacity,
	})
	if err != nil {
		t.Fatalf("NewBaseStation(%q) error: %v", id, err)
	}
	return st
}

func newDevice(t *testing.T, id string, kind model.DeviceKind, loc model.Location, lookup StationLookup) *Device {
	t.Helper()
	d, err := NewDevice(id, kind, loc, lookup)
	if err != nil {
		t.Fatalf("NewDevice(%q) error: %v", id, err)
	}
	return d
}

// defaultNetwork returns BS1 (0,0) cap 3 and BS2 (80,80) cap 2 in
// provisioning order, plus a lookup over both.
func defaultNetwork(t *testing.T) ([]*BaseStation, stationMap) {
	t.Helper()
	bs1 := newStation(t, "BS1", 0, 0, 3)
	bs2 := newStation(t, "BS2", 80, 80, 2)
	return []*BaseStation{bs1, bs2}, stationMap{"BS1": bs1, "BS2": bs2}
}

// assertAssociation checks the device/station relation in both directions.
func assertAssociation(t *testing.T, d *Device, want string, stations []*BaseStation) {
	t.Helper()
	got, _ := d.StationID()
	if got != want {
		t.Fatalf("device %s station = %q, want %q", d.ID(), got, want)
	}
	for _, st := range stations {
		has := st.Has(d.ID())
		if st.ID() == want && !has {
			t.Fatalf("station %s does not list device %s", st.ID(), d.ID())
		}
		if st.ID() != want && has {
			t.Fatalf("station %s still lists device %s (want only %q)", st.ID(), d.ID(), want)
		}
	}
}
