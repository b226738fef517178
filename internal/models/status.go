package models

// Status is both a task phase and an event code. Primary statuses move the task's current
// status forward; silent events only touch auxiliary data.
type Status string

const (
	StatusRequested        Status = "requested"
	StatusReserved         Status = "reserved"
	StatusStarted          Status = "started"
	StatusScraperStarted   Status = "scraper_started"
	StatusScraperCompleted Status = "scraper_completed"
	StatusCancelRequested  Status = "cancel_requested"
	StatusCanceling        Status = "canceling"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"

	EventScraperRunning       Status = "scraper_running"
	EventCreatedFile          Status = "created_file"
	EventUploadedFile         Status = "uploaded_file"
	EventFailedFile           Status = "failed_file"
	EventCheckedFile          Status = "checked_file"
	EventCheckResultsUploaded Status = "check_results_uploaded"
)

// statusRank orders primary statuses. The three terminal statuses share the highest rank.
var statusRank = map[Status]int{
	StatusRequested:        0,
	StatusReserved:         1,
	StatusStarted:          2,
	StatusScraperStarted:   3,
	StatusScraperCompleted: 4,
	StatusCancelRequested:  5,
	StatusCanceling:        6,
	StatusSucceeded:        7,
	StatusFailed:           7,
	StatusCanceled:         7,
}

var silentEvents = map[Status]bool{
	EventScraperRunning:       true,
	EventCreatedFile:          true,
	EventUploadedFile:         true,
	EventFailedFile:           true,
	EventCheckedFile:          true,
	EventCheckResultsUploaded: true,
}

// RunningStatuses lists every non-terminal status a claimed task can be in
var RunningStatuses = []Status{
	StatusReserved,
	StatusStarted,
	StatusScraperStarted,
	StatusScraperCompleted,
	StatusCancelRequested,
	StatusCanceling,
}

// IsPrimary reports whether s is a status a task can be in
func (s Status) IsPrimary() bool {
	_, ok := statusRank[s]
	return ok
}

// IsSilent reports whether s is an auxiliary event that never becomes the task status
func (s Status) IsSilent() bool {
	return silentEvents[s]
}

// IsFileEvent reports whether s concerns a single output file
func (s Status) IsFileEvent() bool {
	return s.IsSilent() && s != EventScraperRunning
}

// IsKnown reports whether s is a primary status or a silent event
func (s Status) IsKnown() bool {
	return s.IsPrimary() || s.IsSilent()
}

// IsTerminal reports whether no further primary transition is possible from s
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// IsInitiating reports whether s can only be set by the dispatcher when claiming a task
func (s Status) IsInitiating() bool {
	return s == StatusRequested || s == StatusReserved
}

// Rank returns the position of s in the fixed status ordering, or -1 if s is not primary
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}
