package types

import (
	"time"
)

type DriverType string
type MachineState string
type Unit string

const (
	Amazon       = DriverType("amazon")
	DigitalOcean = DriverType("digitalocean")
	Noop         = DriverType("noop")
)

// MachineState type enumeration.
const (
	MachineRequested   = MachineState("requested")
	MachinePending     = MachineState("pending")
	MachineRunning     = MachineState("running")
	MachineTerminating = MachineState("terminating")
	MachineTerminated  = MachineState("terminated")
	MachineRejected    = MachineState("rejected")
)

// MachineStates lists every lifecycle state in reporting order.
var MachineStates = []MachineState{
	MachineRequested,
	MachinePending,
	MachineRunning,
	MachineTerminating,
	MachineTerminated,
	MachineRejected,
}

// Allocated returns true if the machine counts against the pool size.
func (s MachineState) Allocated() bool {
	return s == MachineRequested || s == MachinePending || s == MachineRunning
}

// Active returns true if the machine is up and serving.
func (s MachineState) Active() bool {
	return s == MachineRunning
}

// Unit type enumeration.
const (
	UnitMetric  = Unit("METRIC")
	UnitCompute = Unit("COMPUTE")
)

// PoolSizeSummary is the size of a cloud pool as reported by the cloud pool.
type PoolSizeSummary struct {
	Desired   int `json:"desired"`
	Allocated int `json:"allocated"`
	Active    int `json:"active"`
}

// Machine is a member of a cloud pool.
type Machine struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	State      MachineState `json:"state"`
	Origin     string       `json:"origin"`
	Region     string       `json:"region"`
	Size       string       `json:"size"`
	LaunchTime time.Time    `json:"launch_time"`
}

// MachinePool is a snapshot of the machines in a cloud pool.
type MachinePool struct {
	Machines  []Machine `json:"machines"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary returns the pool size derived from the machine states.
// The desired size is not known to the pool membership and is
// set to the allocated count.
func (p *MachinePool) Summary() *PoolSizeSummary {
	s := new(PoolSizeSummary)
	for _, m := range p.Machines {
		if m.State.Allocated() {
			s.Allocated++
		}
		if m.State.Active() {
			s.Active++
		}
	}
	s.Desired = s.Allocated
	return s
}

// Prediction is a capacity estimate produced by a predictor.
type Prediction struct {
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit"`
}

// MetricValue is a single observation of a metric stream.
type MetricValue struct {
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type HealthStatus string

// HealthStatus type enumeration.
const (
	HealthOK    = HealthStatus("OK")
	HealthNotOK = HealthStatus("NOT_OK")
)

// Health is the outcome of the last operation of a subsystem.
type Health struct {
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}
