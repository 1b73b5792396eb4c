// Package task defines the run record of a long-running task: lifecycle status,
// stop classification, metadata field names and serialization helpers.
package task

import (
	"encoding/json"
	"strconv"
	"time"
)

type (
	Status   int
	StopType int
	Record   struct {
		Task              string   `json:"task"`
		RunID             string   `json:"run_id,omitempty"`
		Status            Status   `json:"status"`
		Class             string   `json:"class,omitempty"`
		StartTime         string   `json:"start_time,omitempty"`
		KeepAliveTime     string   `json:"keep_alive_time,omitempty"`
		MemoryPeakUsage   string   `json:"memory_peak_usage,omitempty"`
		CancelRequested   bool     `json:"cancel_requested"`
		StopTime          string   `json:"stop_time,omitempty"`
		DurationTime      int64    `json:"duration_time"`
		DurationTimeHuman string   `json:"duration_time_human,omitempty"`
		StopReason        string   `json:"stop_reason,omitempty"`
		StopType          StopType `json:"stop_type"`
	}
)

const (
	StatusNone Status = iota
	StatusRunning
	StatusStop
)

const (
	StopNone StopType = iota
	StopCancel
	StopException
	StopMemoryLimit
)

// Metadata field names. Every field of a run lives under its own key.
const (
	FieldRunID             = "run_id"
	FieldStatus            = "status"
	FieldClass             = "class"
	FieldStartTime         = "start_time"
	FieldKeepAliveTime     = "keep_alive_time"
	FieldMemoryPeakUsage   = "memory_peak_usage"
	FieldCancelFlag        = "cancel_flag"
	FieldStopTime          = "stop_time"
	FieldDurationTime      = "duration_time"
	FieldDurationTimeHuman = "duration_time_human"
	FieldStopReason        = "stop_reason"
	FieldStopType          = "stop_type"
)

// Fields lists every field written during a run.
var Fields = []string{
	FieldRunID,
	FieldStatus,
	FieldClass,
	FieldStartTime,
	FieldKeepAliveTime,
	FieldMemoryPeakUsage,
	FieldCancelFlag,
	FieldStopTime,
	FieldDurationTime,
	FieldDurationTimeHuman,
	FieldStopReason,
	FieldStopType,
}

// TimeLayout is the wall-clock layout of every timestamp field.
const TimeLayout = time.DateTime

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusRunning:
		return "RUNNING"
	case StatusStop:
		return "STOP"
	default:
		return "unknown"
	}
}

// Value is the stored form of the status.
func (s Status) Value() string {
	return strconv.Itoa(int(s))
}

// ParseStatus decodes a stored status. A missing or unreadable value is StatusNone.
func ParseStatus(v string) Status {
	n, err := strconv.Atoi(v)
	if err != nil {
		return StatusNone
	}
	return Status(n)
}

func (t StopType) String() string {
	switch t {
	case StopNone:
		return "NONE"
	case StopCancel:
		return "CANCEL"
	case StopException:
		return "EXCEPTION"
	case StopMemoryLimit:
		return "MEMORY_LIMIT"
	default:
		return "unknown"
	}
}

func (t StopType) Value() string {
	return strconv.Itoa(int(t))
}

func ParseStopType(v string) StopType {
	n, err := strconv.Atoi(v)
	if err != nil {
		return StopNone
	}
	return StopType(n)
}

// FormatTime renders t in the record's wall-clock layout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

func (r *Record) Running() bool {
	return r.Status == StatusRunning
}

// Stale reports whether a running record's heartbeat is older than after.
func (r *Record) Stale(now time.Time, after time.Duration) bool {
	if !r.Running() || after <= 0 || r.KeepAliveTime == "" {
		return false
	}

	last, err := time.ParseInLocation(TimeLayout, r.KeepAliveTime, now.Location())
	if err != nil {
		return false
	}

	return now.Sub(last) > after
}

func (r *Record) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func RecordFromJSON(data string) (*Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}

	return &r, nil
}
