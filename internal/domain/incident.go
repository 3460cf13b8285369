// Package domain contains the core incident archive types.
package domain

import "time"

// IncidentStatus represents the lifecycle state of an incident.
type IncidentStatus string

// Incident statuses.
const (
	IncidentStatusAbnormal   IncidentStatus = "abnormal"
	IncidentStatusRecovering IncidentStatus = "recovering"
	IncidentStatusRecovered  IncidentStatus = "recovered"
	IncidentStatusClosed     IncidentStatus = "closed"
)

// IncidentStatuses lists all statuses in lifecycle order.
var IncidentStatuses = []IncidentStatus{
	IncidentStatusAbnormal,
	IncidentStatusRecovering,
	IncidentStatusRecovered,
	IncidentStatusClosed,
}

var statusRank = map[IncidentStatus]int{
	IncidentStatusAbnormal:   0,
	IncidentStatusRecovering: 1,
	IncidentStatusRecovered:  2,
	IncidentStatusClosed:     3,
}

var statusLabels = map[IncidentStatus]string{
	IncidentStatusAbnormal:   "Abnormal",
	IncidentStatusRecovering: "Observing",
	IncidentStatusRecovered:  "Recovered",
	IncidentStatusClosed:     "Resolved",
}

// IsValid checks if the status is known.
func (s IncidentStatus) IsValid() bool {
	_, ok := statusLabels[s]
	return ok
}

// IsFinished reports whether the incident has ended.
// Finished incidents always carry an end time.
func (s IncidentStatus) IsFinished() bool {
	return s == IncidentStatusRecovered || s == IncidentStatusClosed
}

// Label returns the display name of the status.
func (s IncidentStatus) Label() string {
	return statusLabels[s]
}

// CanTransitionTo checks whether an incident may move from s to next.
// Statuses only move forward along abnormal -> recovering -> recovered,
// any status may be closed, and closed is terminal.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s == next {
		return true
	}
	if s == IncidentStatusClosed {
		return false
	}
	if next == IncidentStatusClosed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// Rank returns the lifecycle position of the status, used for ordering.
func (s IncidentStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return len(statusRank)
}

// IncidentLevel represents the severity of an incident.
type IncidentLevel string

// Incident levels.
const (
	IncidentLevelError IncidentLevel = "ERROR"
	IncidentLevelWarn  IncidentLevel = "WARN"
	IncidentLevelInfo  IncidentLevel = "INFO"
)

var levelRank = map[IncidentLevel]int{
	IncidentLevelError: 0,
	IncidentLevelWarn:  1,
	IncidentLevelInfo:  2,
}

var levelLabels = map[IncidentLevel]string{
	IncidentLevelError: "Fatal",
	IncidentLevelWarn:  "Warning",
	IncidentLevelInfo:  "Reminder",
}

// IsValid checks if the level is known.
func (l IncidentLevel) IsValid() bool {
	_, ok := levelLabels[l]
	return ok
}

// Label returns the display name of the level.
func (l IncidentLevel) Label() string {
	return levelLabels[l]
}

// Rank orders levels from most to least severe.
func (l IncidentLevel) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return len(levelRank)
}

// Incident is a correlated fault spanning one or more alerts.
type Incident struct {
	ID         int64          `json:"incident_id"`
	Name       string         `json:"incident_name"`
	Reason     string         `json:"incident_reason"`
	Status     IncidentStatus `json:"status"`
	Level      IncidentLevel  `json:"level"`
	Assignees  []string       `json:"assignees"`
	Handlers   []string       `json:"handlers"`
	Labels     []string       `json:"labels"`
	CreateTime time.Time      `json:"create_time"`
	UpdateTime time.Time      `json:"update_time"`
	BeginTime  time.Time      `json:"begin_time"`
	EndTime    *time.Time     `json:"end_time"`
	Dimensions JSONMap        `json:"dimensions"`
	ExtraInfo  JSONMap        `json:"extra_info"`
}

// Normalize enforces that EndTime is set if and only if the incident is finished.
// A finished incident without an end time ends at its update time, or at now
// when the update time is unknown.
func (i *Incident) Normalize(now time.Time) {
	if !i.Status.IsFinished() {
		i.EndTime = nil
		return
	}
	if i.EndTime != nil {
		return
	}
	end := i.UpdateTime
	if end.IsZero() {
		end = now
	}
	i.EndTime = &end
}

// Duration returns how long the incident has lasted, up to now for ongoing incidents.
func (i *Incident) Duration(now time.Time) time.Duration {
	if i.BeginTime.IsZero() {
		return 0
	}
	end := now
	if i.EndTime != nil {
		end = *i.EndTime
	}
	if end.Before(i.BeginTime) {
		return 0
	}
	return end.Sub(i.BeginTime)
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	c := *i
	c.Assignees = cloneStrings(i.Assignees)
	c.Handlers = cloneStrings(i.Handlers)
	c.Labels = cloneStrings(i.Labels)
	c.Dimensions = i.Dimensions.Clone()
	c.ExtraInfo = i.ExtraInfo.Clone()
	if i.EndTime != nil {
		end := *i.EndTime
		c.EndTime = &end
	}
	return &c
}

// Snapshot is an immutable capture of an incident's scope at a point in time.
type Snapshot struct {
	ID            string         `json:"id"`
	IncidentID    int64          `json:"incident_id"`
	BizIDs        IDSet          `json:"bk_biz_ids"`
	Status        IncidentStatus `json:"status"`
	Alerts        IDSet          `json:"alerts"`
	Events        IDSet          `json:"events"`
	CreateTime    time.Time      `json:"create_time"`
	Content       JSONMap        `json:"content"`
	FPPSnapshotID string         `json:"fpp_snapshot_id"`
}

// WriteMode selects how a document write treats existing records.
type WriteMode string

// Write modes.
const (
	WriteModeCreate WriteMode = "create"
	WriteModeUpdate WriteMode = "update"
)

// SyncType is the kind of an incident sync message.
type SyncType string

// Sync types.
const (
	SyncTypeCreate SyncType = "CREATE"
	SyncTypeUpdate SyncType = "UPDATE"
)

// IsValid checks if the sync type is known.
func (t SyncType) IsValid() bool {
	return t == SyncTypeCreate || t == SyncTypeUpdate
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
