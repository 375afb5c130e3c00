package domain

type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

// Terminal reports whether the task will not change state again without a retry.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// NixStatus holds the progress counters of a nix build.
type NixStatus struct {
	Done     int `json:"done"`
	Expected int `json:"expected"`
	Running  int `json:"running"`
	Failed   int `json:"failed"`
}

// ShortTask is the list-view record of a background job.
type ShortTask struct {
	ID                 string     `json:"id"`
	TaskType           string     `json:"task_type"`
	State              TaskState  `json:"state"`
	StartTime          float64    `json:"start_time"`
	EndTime            *float64   `json:"end_time,omitempty"`
	Exception          *string    `json:"exception,omitempty"`
	TaskSubmissionData JSONB      `json:"task_submission_data"`
	NixStatus          *NixStatus `json:"nix_status,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t ShortTask) Clone() ShortTask {
	out := t
	if t.EndTime != nil {
		v := *t.EndTime
		out.EndTime = &v
	}
	if t.Exception != nil {
		v := *t.Exception
		out.Exception = &v
	}
	if t.NixStatus != nil {
		v := *t.NixStatus
		out.NixStatus = &v
	}
	out.TaskSubmissionData = t.TaskSubmissionData.Clone()
	return out
}

// NixError is one structured error record from a nix build log.
type NixError struct {
	Level   int    `json:"level"`
	Message string `json:"msg"`
	RawMsg  string `json:"raw_msg,omitempty"`
	File    string `json:"file,omitempty"`
	Line    *int   `json:"line,omitempty"`
	Column  *int   `json:"column,omitempty"`
}

// DetailedTask is a ShortTask plus the append-only output of the job.
type DetailedTask struct {
	ShortTask

	ProcessStdout  string     `json:"process_stdout"`
	ProcessStderr  string     `json:"process_stderr"`
	NixErrors      []NixError `json:"nix_errors"`
	NixErrorLogs   []string   `json:"nix_error_logs"`
	NixWarningLogs []string   `json:"nix_warning_logs"`
	NixNoticeLogs  []string   `json:"nix_notice_logs"`
	NixInfoLogs    []string   `json:"nix_info_logs"`
}

func (t DetailedTask) Clone() DetailedTask {
	out := t
	out.ShortTask = t.ShortTask.Clone()
	out.NixErrors = append([]NixError(nil), t.NixErrors...)
	out.NixErrorLogs = append([]string(nil), t.NixErrorLogs...)
	out.NixWarningLogs = append([]string(nil), t.NixWarningLogs...)
	out.NixNoticeLogs = append([]string(nil), t.NixNoticeLogs...)
	out.NixInfoLogs = append([]string(nil), t.NixInfoLogs...)
	return out
}

// TaskFragment carries the parts of a DetailedTask delivered by one
// subscribed_task_output message. Nil fields were absent on the wire.
type TaskFragment struct {
	ProcessStdout  *string    `json:"process_stdout,omitempty"`
	ProcessStderr  *string    `json:"process_stderr,omitempty"`
	NixErrors      []NixError `json:"nix_errors,omitempty"`
	NixErrorLogs   []string   `json:"nix_error_logs,omitempty"`
	NixWarningLogs []string   `json:"nix_warning_logs,omitempty"`
	NixNoticeLogs  []string   `json:"nix_notice_logs,omitempty"`
	NixInfoLogs    []string   `json:"nix_info_logs,omitempty"`

	State     *TaskState `json:"state,omitempty"`
	EndTime   *float64   `json:"end_time,omitempty"`
	Exception *string    `json:"exception,omitempty"`
	NixStatus *NixStatus `json:"nix_status,omitempty"`
}

// MergeInto appends the accumulating fields of f onto t and replaces the
// scalar fields f carries. Absent fields leave t untouched.
func (f TaskFragment) MergeInto(t *DetailedTask) {
	if f.ProcessStdout != nil {
		t.ProcessStdout += *f.ProcessStdout
	}
	if f.ProcessStderr != nil {
		t.ProcessStderr += *f.ProcessStderr
	}
	if f.NixErrors != nil {
		t.NixErrors = append(t.NixErrors, f.NixErrors...)
	}
	if f.NixErrorLogs != nil {
		t.NixErrorLogs = append(t.NixErrorLogs, f.NixErrorLogs...)
	}
	if f.NixWarningLogs != nil {
		t.NixWarningLogs = append(t.NixWarningLogs, f.NixWarningLogs...)
	}
	if f.NixNoticeLogs != nil {
		t.NixNoticeLogs = append(t.NixNoticeLogs, f.NixNoticeLogs...)
	}
	if f.NixInfoLogs != nil {
		t.NixInfoLogs = append(t.NixInfoLogs, f.NixInfoLogs...)
	}

	if f.State != nil {
		t.State = *f.State
	}
	if f.EndTime != nil {
		v := *f.EndTime
		t.EndTime = &v
	}
	if f.Exception != nil {
		v := *f.Exception
		t.Exception = &v
	}
	if f.NixStatus != nil {
		v := *f.NixStatus
		t.NixStatus = &v
	}
}
