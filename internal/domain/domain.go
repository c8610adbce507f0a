package domain

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
	StatusQueued    Status = "queued"
)

type InputRefType string

const (
	InputGlob    InputRefType = "glob"
	InputHash    InputRefType = "hash"
	InputContent InputRefType = "content"
	InputCommand InputRefType = "command"
)

type ResultRefType string

const (
	RefFile   ResultRefType = "file"
	RefCache  ResultRefType = "cache"
	RefMemory ResultRefType = "memory"
)

const (
	MaxSummaryChars         = 1500
	DefaultMaxSummaryTokens = 200
	MinSummaryTokens        = 50
	MaxSummaryTokens        = 500
)

type InputRef struct {
	Type  InputRefType `json:"type" enum:"glob,hash,content,command"`
	Value string       `json:"value"`
}

type ResultRef struct {
	Type      ResultRefType `json:"type" enum:"file,cache,memory"`
	Path      string        `json:"path,omitempty"`
	Hash      string        `json:"hash" pattern:"^sha256:[a-f0-9]{64}$"`
	SizeBytes int64         `json:"size_bytes,omitempty"`
}

type DelegationRequest struct {
	TaskID           string     `json:"task_id" pattern:"^[a-zA-Z0-9_-]+$" doc:"Unique identifier for this delegation task"`
	ToolName         string     `json:"tool_name" doc:"Target subagent: file_scanner, summarizer or bash_runner"`
	InputRefs        []InputRef `json:"input_refs,omitempty"`
	RootDir          string     `json:"root_dir,omitempty" doc:"Root directory for file operations and commands (defaults to the broker workspace)"`
	MaxSummaryTokens int        `json:"max_summary_tokens,omitempty" minimum:"0" maximum:"500" doc:"Maximum tokens in the summary, 50-500, default 200"`
	PolicyID         string     `json:"policy_id,omitempty" doc:"Execution policy, default 'default'"`
	SessionID        string     `json:"session_id,omitempty"`
	TimeoutSeconds   float64    `json:"timeout_seconds,omitempty" doc:"Command timeout for bash_runner, capped at 300"`
	UseSandbox       *bool      `json:"use_sandbox,omitempty"`
}

type DelegationResponse struct {
	SessionID      string      `json:"session_id"`
	TaskID         string      `json:"task_id"`
	Status         Status      `json:"status" enum:"completed,failed,partial,queued"`
	QueuePosition  int         `json:"queue_position,omitempty"`
	Summary        string      `json:"summary" maxLength:"1500"`
	ResultRefs     []ResultRef `json:"result_refs"`
	Confidence     float64     `json:"confidence" minimum:"0" maximum:"1"`
	AuditLogHashes []string    `json:"audit_log_hashes"`
}

type FetchDetailResponse struct {
	TaskID      string `json:"task_id"`
	Status      Status `json:"status"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Hash        string `json:"hash"`
}

type DownstreamState string

const (
	Healthy    DownstreamState = "healthy"
	Unhealthy  DownstreamState = "unhealthy"
	Recovering DownstreamState = "recovering"
)

type HostInfo struct {
	Load1          float64 `json:"load1"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemAvailable   uint64  `json:"mem_available_bytes"`
}

type CacheStats struct {
	HitCount   int64 `json:"hit_count"`
	MissCount  int64 `json:"miss_count"`
	EntryCount int64 `json:"entry_count"`
	TotalBytes int64 `json:"total_bytes"`
	MaxEntries int   `json:"max_entries"`
}

type Health struct {
	Broker           string          `json:"broker"`
	Downstream       DownstreamState `json:"downstream" enum:"healthy,unhealthy,recovering"`
	DownstreamModel  string          `json:"downstream_model,omitempty"`
	QueueDepth       int             `json:"queue_depth"`
	LastCheckTime    string          `json:"last_check_time" format:"date-time"`
	SandboxAvailable bool            `json:"sandbox_available"`
	Cache            *CacheStats     `json:"cache,omitempty"`
	Host             *HostInfo       `json:"host,omitempty"`
}

type QueuedTask struct {
	TaskID              string  `json:"task_id"`
	SessionID           string  `json:"session_id,omitempty"`
	ToolName            string  `json:"tool_name"`
	QueuedAt            string  `json:"queued_at" format:"date-time"`
	RetryCount          int     `json:"retry_count"`
	MaxRetries          int     `json:"max_retries"`
	RetryTimeoutSeconds float64 `json:"retry_timeout_seconds"`
}

type AuditEvent struct {
	ID          int64  `json:"id"`
	AuditHash   string `json:"audit_hash"`
	TS          string `json:"ts" format:"date-time"`
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id,omitempty"`
	Operation   string `json:"operation"`
	ResultHash  string `json:"result_hash,omitempty"`
	PayloadJSON string `json:"payload_json,omitempty"`
}
