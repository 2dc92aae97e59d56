package storage

import "time"

// Execution represents a stored execution record.
type Execution struct {
	ID         string     `json:"id" db:"id"`
	Mode       string     `json:"mode" db:"mode"` // direct or isolated
	CodeHash   string     `json:"code_hash" db:"code_hash"`
	Success    bool       `json:"success" db:"success"`
	ErrorKind  string     `json:"error_kind" db:"error_kind"`
	ExitCode   int        `json:"exit_code" db:"exit_code"`
	Output     string     `json:"output" db:"output"`
	Error      string     `json:"error" db:"error"`
	DurationMS int64      `json:"duration_ms" db:"duration_ms"`
	CPUPercent float64    `json:"cpu_percent" db:"cpu_percent"`
	MemoryMB   float64    `json:"memory_mb" db:"memory_mb"`
	RequestIP  string     `json:"request_ip" db:"request_ip"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Mode      string
	ErrorKind string
	Limit     int
	Offset    int
}
