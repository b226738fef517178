package models

import (
	"slices"
	"time"

	"github.com/guregu/null/v6"
)

// Worker is a machine that polls for tasks. Resources is its declared total capacity and
// Offliners the set of job kinds it accepts.
type Worker struct {
	Name          string      `json:"name"`
	Account       string      `json:"account"`
	Resources     Resources   `json:"resources"`
	Offliners     []string    `json:"offliners"`
	LastSeen      null.Time   `json:"lastSeen"`
	LastIP        null.String `json:"lastIp"`
	Cordoned      bool        `json:"cordoned"`
	AdminDisabled bool        `json:"adminDisabled"`
	Deleted       bool        `json:"deleted"`
}

// CanRun reports whether offliner is part of the worker's capability set
func (w *Worker) CanRun(offliner string) bool {
	return slices.Contains(w.Offliners, offliner)
}

// IsOnline is true when the worker has been seen within offlineAfter of now
func (w *Worker) IsOnline(now time.Time, offlineAfter time.Duration) bool {
	return w.LastSeen.Valid && now.Sub(w.LastSeen.Time) < offlineAfter
}
