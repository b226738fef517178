package models

import "fmt"

// Resources is a CPU/memory/disk vector. Memory and disk are in bytes.
type Resources struct {
	CPU    int64 `db:"cpu" json:"cpu"`
	Memory int64 `db:"memory" json:"memory"`
	Disk   int64 `db:"disk" json:"disk"`
}

// Validate checks that no dimension is negative
func (r Resources) Validate() error {
	if r.CPU < 0 || r.Memory < 0 || r.Disk < 0 {
		return fmt.Errorf("%w: resources must be >= 0, got %s", ErrBadRequest, r)
	}
	return nil
}

// FitsIn returns true when every dimension of r is <= the matching dimension of other
func (r Resources) FitsIn(other Resources) bool {
	return r.CPU <= other.CPU && r.Memory <= other.Memory && r.Disk <= other.Disk
}

// Add returns the componentwise sum
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPU:    r.CPU + other.CPU,
		Memory: r.Memory + other.Memory,
		Disk:   r.Disk + other.Disk,
	}
}

// Missing returns max(r - free, 0) for every dimension, i.e. how much more room r needs
// than what free offers.
func (r Resources) Missing(free Resources) Resources {
	return Resources{
		CPU:    max(r.CPU-free.CPU, 0),
		Memory: max(r.Memory-free.Memory, 0),
		Disk:   max(r.Disk-free.Disk, 0),
	}
}

// IsZero is true when no dimension holds anything
func (r Resources) IsZero() bool {
	return r.CPU == 0 && r.Memory == 0 && r.Disk == 0
}

func (r Resources) String() string {
	return fmt.Sprintf("{cpu:%d memory:%d disk:%d}", r.CPU, r.Memory, r.Disk)
}
