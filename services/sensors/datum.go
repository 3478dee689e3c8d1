package sensors

import (
	"strconv"
	"sync"
	"time"
)

// Datum is one named telemetry value with change tracking. The owning sensor
// writes it from Update while publishers read it concurrently; every access
// goes through the datum's own lock so a reader never sees a value paired with
// a stale timestamp or flag.
type Datum struct {
	name     string
	critical bool

	mu      sync.RWMutex
	value   int64
	old     int64
	at      time.Time
	updated bool
}

// Reading is a consistent copy of a Datum.
type Reading struct {
	Name     string
	Value    int64
	Old      int64
	At       time.Time
	Critical bool
	Updated  bool
}

// NewDatum returns a datum holding zero.
func NewDatum(name string, critical bool) *Datum {
	return &Datum{name: name, critical: critical}
}

func (d *Datum) Name() string   { return d.name }
func (d *Datum) Critical() bool { return d.critical }

func (d *Datum) Value() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.value
}

func (d *Datum) Updated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updated
}

// Snapshot returns all fields at once.
func (d *Datum) Snapshot() Reading {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reading()
}

// Consume returns the reading and clears the updated flag. ok is false when
// nothing changed since the last Consume.
func (d *Datum) Consume() (r Reading, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r = d.reading()
	d.updated = false
	return r, r.Updated
}

// Format renders the datum for the telemetry channels: "<name>:<value>;".
func (d *Datum) Format() string { return d.Snapshot().Format() }

func (r Reading) Format() string {
	return r.Name + ":" + strconv.FormatInt(r.Value, 10) + ";"
}

// set stores v and marks the datum updated when it differs from the previous
// value.
func (d *Datum) set(v int64, at time.Time) {
	d.mu.Lock()
	d.old, d.value, d.at = d.value, v, at
	if d.old != d.value {
		d.updated = true
	}
	d.mu.Unlock()
}

// force stores v and marks the datum updated regardless of change.
func (d *Datum) force(v int64, at time.Time) {
	d.mu.Lock()
	d.old, d.value, d.at = d.value, v, at
	d.updated = true
	d.mu.Unlock()
}

func (d *Datum) reading() Reading {
	return Reading{
		Name:     d.name,
		Value:    d.value,
		Old:      d.old,
		At:       d.at,
		Critical: d.critical,
		Updated:  d.updated,
	}
}
