package api

// ExecutionRequest is the API-level request to execute source code.
// Timeout is in seconds; zero means the server default. Isolate overrides
// the server's default execution mode when present.
type ExecutionRequest struct {
	Source  string  `json:"source"`
	Timeout float64 `json:"timeout,omitempty"`
	Isolate *bool   `json:"isolate,omitempty"`
}

// ExecutionResponse is the API-level result of one execution. Error is null
// on success; ErrorKind is empty on success and one of Syntax, Runtime,
// Timeout, Internal or TeardownFailed otherwise.
type ExecutionResponse struct {
	ID            string         `json:"id"`
	Success       bool           `json:"success"`
	Output        string         `json:"output"`
	Error         *string        `json:"error"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Isolated      bool           `json:"isolated"`
	ExitCode      int            `json:"exit_code"`
	Duration      string         `json:"duration"`
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`
}

// ResourceUsage reports a sampled snapshot of the isolated environment.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// LimitsRequest is a partial quota update; omitted fields stay unchanged.
type LimitsRequest struct {
	MemoryMB *int64   `json:"memory_mb,omitempty"`
	CPU      *float64 `json:"cpu,omitempty"`
}

// LimitsResponse reports the quotas in effect after an update.
type LimitsResponse struct {
	MemoryMB int64   `json:"memory_mb"`
	CPU      float64 `json:"cpu"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  bool   `json:"backend"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
