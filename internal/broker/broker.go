// Package broker routes delegation requests to the subagents. It validates the
// request, consults the policy engine or the artifact cache, runs exactly one
// subagent, writes results back into the cache, records the session history
// and an audit entry, and parks summarize work on the retry queue while the
// downstream model is unreachable.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"localagent/internal/cache"
	"localagent/internal/contenthash"
	"localagent/internal/domain"
	"localagent/internal/events"
	"localagent/internal/llm"
	"localagent/internal/policy"
	"localagent/internal/retryqueue"
	"localagent/internal/sandbox"
	"localagent/internal/session"
	"localagent/internal/subagent"
	"localagent/internal/subagent/scanner"
	"localagent/internal/subagent/summarizer"
)

const DefaultPolicy = "default"

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Options wires the broker's collaborators. Cache and Events are required;
// everything else has a working default.
type Options struct {
	Cache      *cache.Cache
	Events     events.Writer
	Policies   *policy.Engine
	Executor   *sandbox.Executor
	Queue      *retryqueue.Queue[domain.DelegationRequest]
	Sessions   *session.Store
	Scanner    *scanner.Scanner
	Downstream llm.Generator
	Logger     *slog.Logger
	Now        func() time.Time

	// Workspace is the default root for scans and commands.
	Workspace    string
	ExecTimeout  time.Duration
	UseSandbox   bool
	MaxRetries   int
	RetryTimeout time.Duration
}

type Broker struct {
	cache      *cache.Cache
	events     events.Writer
	policies   *policy.Engine
	executor   *sandbox.Executor
	queue      *retryqueue.Queue[domain.DelegationRequest]
	sessions   *session.Store
	scanner    *scanner.Scanner
	summarizer *summarizer.Summarizer
	downstream llm.Generator
	log        *slog.Logger
	now        func() time.Time

	workspace    string
	execTimeout  time.Duration
	useSandbox   bool
	maxRetries   int
	retryTimeout time.Duration

	// slots bounds concurrent commands per policy.
	slots map[string]chan struct{}

	healthMu    sync.Mutex
	probed      bool
	lastHealthy bool
	lastCheck   time.Time
}

func New(opts Options) (*Broker, error) {
	if opts.Cache == nil {
		return nil, errors.New("broker: cache is required")
	}
	if opts.Events.DB == nil {
		return nil, errors.New("broker: audit writer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events.Now == nil {
		opts.Events.Now = opts.Now
	}
	if opts.Policies == nil {
		opts.Policies = policy.MustDefault()
	}
	if opts.Executor == nil {
		opts.Executor = sandbox.New(sandbox.Options{Logger: opts.Logger})
	}
	if opts.Queue == nil {
		opts.Queue = retryqueue.New[domain.DelegationRequest](retryqueue.Options{Now: opts.Now})
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewStore(opts.Now)
	}
	if opts.Scanner == nil {
		opts.Scanner = scanner.New(opts.Logger)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = retryqueue.DefaultMaxRetries
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = retryqueue.DefaultRetryTimeout
	}
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	workspace, err := filepath.Abs(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	b := &Broker{
		cache:        opts.Cache,
		events:       opts.Events,
		policies:     opts.Policies,
		executor:     opts.Executor,
		queue:        opts.Queue,
		sessions:     opts.Sessions,
		scanner:      opts.Scanner,
		summarizer:   summarizer.New(opts.Downstream, opts.Logger),
		downstream:   opts.Downstream,
		log:          opts.Logger,
		now:          opts.Now,
		workspace:    workspace,
		execTimeout:  opts.ExecTimeout,
		useSandbox:   opts.UseSandbox,
		maxRetries:   opts.MaxRetries,
		retryTimeout: opts.RetryTimeout,
		slots:        make(map[string]chan struct{}),
	}
	for _, id := range b.policies.IDs() {
		p, _ := b.policies.Policy(id)
		n := p.MaxConcurrentTasks
		if p.Concurrency == policy.Sequential || n <= 0 {
			n = 1
		}
		b.slots[id] = make(chan struct{}, n)
	}
	return b, nil
}

func (b *Broker) Cache() *cache.Cache                                { return b.cache }
func (b *Broker) Policies() *policy.Engine                           { return b.policies }
func (b *Broker) Sessions() *session.Store                           { return b.sessions }
func (b *Broker) Queue() *retryqueue.Queue[domain.DelegationRequest] { return b.queue }
func (b *Broker) Events() events.Writer                              { return b.events }

// call is a validated request.
type call struct {
	req       domain.DelegationRequest
	tool      Tool
	policy    policy.Policy
	maxTokens int
}

// outcome is what one subagent path produced, before audit and session
// bookkeeping.
type outcome struct {
	status     domain.Status
	summary    string
	refs       []domain.ResultRef
	confidence float64
	resultHash string
	position   int
	details    events.EventPayload
}

func (b *Broker) validate(req domain.DelegationRequest) (call, error) {
	if !taskIDPattern.MatchString(req.TaskID) {
		return call{}, invalid("task_id", "task_id must match %s", taskIDPattern.String())
	}
	if req.PolicyID == "" {
		req.PolicyID = DefaultPolicy
	}
	pol, err := b.policies.Policy(req.PolicyID)
	if err != nil {
		return call{}, invalid("policy_id", "unknown policy: %s", req.PolicyID)
	}
	maxTokens := req.MaxSummaryTokens
	if maxTokens == 0 {
		maxTokens = domain.DefaultMaxSummaryTokens
	}
	if maxTokens < domain.MinSummaryTokens || maxTokens > domain.MaxSummaryTokens {
		return call{}, invalid("max_summary_tokens", "must be between %d and %d", domain.MinSummaryTokens, domain.MaxSummaryTokens)
	}
	if req.TimeoutSeconds < 0 {
		return call{}, invalid("timeout_seconds", "must not be negative")
	}
	root := req.RootDir
	if root == "" {
		root = b.workspace
	} else if !filepath.IsAbs(root) {
		root = filepath.Join(b.workspace, root)
	}
	tool, err := ParseTool(req.ToolName, req.InputRefs, root)
	if err != nil {
		return call{}, err
	}
	if !pol.AllowsTool(tool.Name()) {
		return call{}, invalid("tool_name", "tool %s not allowed by policy '%s'", tool.Name(), req.PolicyID)
	}
	if cmd, ok := tool.(RunCommand); ok {
		cmd.Timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
		cmd.UseSandbox = req.UseSandbox
		tool = cmd
	}
	req.MaxSummaryTokens = maxTokens
	return call{req: req, tool: tool, policy: pol, maxTokens: maxTokens}, nil
}

// Delegate runs one delegation request. Subagent failures, policy denials
// and downstream outages come back as a response status; the returned error
// is a *ValidationError or an internal fault such as a *cache.StorageError.
func (b *Broker) Delegate(ctx context.Context, req domain.DelegationRequest) (domain.DelegationResponse, error) {
	c, err := b.validate(req)
	if err != nil {
		return domain.DelegationResponse{}, err
	}
	sess := b.sessions.GetOrCreate(req.SessionID)
	c.req.SessionID = sess.ID
	b.log.Info("delegation received", "task_id", c.req.TaskID, "tool", c.tool.Name(), "policy", c.req.PolicyID, "session_id", sess.ID)

	out, err := b.dispatch(ctx, c)
	if errors.Is(err, llm.ErrUnavailable) {
		out = b.enqueue(c.req, err)
	} else if err != nil {
		return domain.DelegationResponse{}, err
	}
	resp, err := b.finish(ctx, c, out)
	if err != nil {
		return domain.DelegationResponse{}, err
	}
	b.log.Info("delegation finished", "task_id", resp.TaskID, "status", resp.Status, "confidence", resp.Confidence)
	return resp, nil
}

func (b *Broker) dispatch(ctx context.Context, c call) (outcome, error) {
	switch t := c.tool.(type) {
	case FileScan:
		return b.fileScan(ctx, c, t)
	case Summarize:
		return b.summarize(ctx, c, t)
	case RunCommand:
		return b.runCommand(ctx, c, t)
	}
	return outcome{}, fmt.Errorf("unhandled tool %T", c.tool)
}

func (b *Broker) finish(ctx context.Context, c call, out outcome) (domain.DelegationResponse, error) {
	summary := subagent.TruncateToChars(out.summary, domain.MaxSummaryChars)
	payload := events.EventPayload{"status": out.status, "confidence": out.confidence}
	for k, v := range out.details {
		payload[k] = v
	}
	auditHash, err := b.events.Append(ctx, events.Event{
		TaskID:     c.req.TaskID,
		SessionID:  c.req.SessionID,
		Operation:  c.tool.Name(),
		ResultHash: out.resultHash,
		Payload:    payload,
	})
	if err != nil {
		return domain.DelegationResponse{}, err
	}
	b.sessions.AddTask(c.req.SessionID, c.req.TaskID, c.tool.Name(), summary)

	refs := out.refs
	if refs == nil {
		refs = []domain.ResultRef{}
	}
	return domain.DelegationResponse{
		SessionID:      c.req.SessionID,
		TaskID:         c.req.TaskID,
		Status:         out.status,
		QueuePosition:  out.position,
		Summary:        summary,
		ResultRefs:     refs,
		Confidence:     clamp01(out.confidence),
		AuditLogHashes: []string{auditHash},
	}, nil
}

func (b *Broker) enqueue(req domain.DelegationRequest, cause error) outcome {
	pos := b.queue.Enqueue(retryqueue.Task[domain.DelegationRequest]{
		ID:           req.TaskID,
		Request:      req,
		MaxRetries:   b.maxRetries,
		RetryTimeout: b.retryTimeout,
	})
	b.log.Warn("downstream unavailable, task queued", "task_id", req.TaskID, "position", pos, "err", cause)
	return outcome{
		status:   domain.StatusQueued,
		summary:  fmt.Sprintf("Downstream model unavailable; task queued for retry at position %d", pos),
		position: pos,
		details:  events.EventPayload{"queue_position": pos, "error": cause.Error()},
	}
}

func (b *Broker) fileScan(ctx context.Context, c call, t FileScan) (outcome, error) {
	res, err := b.scanner.Scan(ctx, t.Patterns, t.RootDir, c.maxTokens)
	if err != nil {
		b.log.Error("file scan failed", "task_id", c.req.TaskID, "err", err)
		return outcome{
			status:  domain.StatusFailed,
			summary: "File scan failed: " + err.Error(),
			details: events.EventPayload{"error": err.Error()},
		}, nil
	}
	hash := contenthash.String(res.Summary)
	err = b.cache.Store(ctx, hash, cache.Payload{
		"kind":       kindScan,
		"summary":    res.Summary,
		"confidence": res.Confidence,
		"root_dir":   t.RootDir,
		"patterns":   t.Patterns,
		"file_count": len(res.Files),
	})
	if err != nil {
		return outcome{}, err
	}
	refs := append(res.Refs(), domain.ResultRef{Type: domain.RefCache, Hash: hash, SizeBytes: int64(len(res.Summary))})
	return outcome{
		status:     domain.StatusCompleted,
		summary:    res.Summary,
		refs:       refs,
		confidence: res.Confidence,
		resultHash: hash,
		details:    events.EventPayload{"file_count": len(res.Files), "skipped_binary": res.SkippedBinary},
	}, nil
}

// summarize consults the cache before the summarizer. llm.ErrUnavailable is
// returned to the caller, which decides whether to queue or requeue.
// Summaries never replace an entry of another kind: when the content hash
// already holds a command output or scan, the summary lives under
// summaryKey(content) instead.
func (b *Broker) summarize(ctx context.Context, c call, t Summarize) (outcome, error) {
	content := t.Content
	var (
		existing cache.Payload
		found    bool
	)
	if t.Hash != "" {
		payload, ok, err := b.cache.Get(ctx, t.Hash)
		if err != nil {
			return outcome{}, err
		}
		if ok {
			content = payloadString(payload, "content")
			existing, found = payload, true
		}
	}
	if content == "" {
		return outcome{
			status:  domain.StatusFailed,
			summary: "No content provided for summarization",
		}, nil
	}

	key := contenthash.String(content)
	if key != t.Hash {
		var err error
		existing, found, err = b.cache.Get(ctx, key)
		if err != nil {
			return outcome{}, err
		}
	}
	if found && payloadString(existing, "kind") != kindSummary {
		key = summaryKey(content)
		var err error
		existing, found, err = b.cache.Get(ctx, key)
		if err != nil {
			return outcome{}, err
		}
	}
	ref := domain.ResultRef{Type: domain.RefCache, Hash: key, SizeBytes: int64(len(content))}
	if found && payloadString(existing, "kind") == kindSummary {
		b.log.Info("cache hit", "task_id", c.req.TaskID, "hash", key)
		return outcome{
			status:     domain.StatusCompleted,
			summary:    payloadString(existing, "summary"),
			refs:       []domain.ResultRef{ref},
			confidence: payloadFloat(existing, "confidence", 0.9),
			resultHash: key,
			details:    events.EventPayload{"cache_hit": true},
		}, nil
	}

	res, err := b.summarizer.Summarize(ctx, content, c.maxTokens, "")
	if errors.Is(err, llm.ErrUnavailable) {
		return outcome{}, err
	}
	if err != nil {
		b.log.Error("summarize failed", "task_id", c.req.TaskID, "err", err)
		return outcome{
			status:  domain.StatusFailed,
			summary: "Summarization failed: " + err.Error(),
			details: events.EventPayload{"error": err.Error()},
		}, nil
	}
	err = b.cache.Store(ctx, key, cache.Payload{
		"kind":           kindSummary,
		"summary":        res.Summary,
		"confidence":     res.Confidence,
		"content":        content,
		"was_compressed": res.WasCompressed,
		"model_used":     res.ModelUsed,
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		status:     domain.StatusCompleted,
		summary:    res.Summary,
		refs:       []domain.ResultRef{ref},
		confidence: res.Confidence,
		resultHash: key,
		details: events.EventPayload{
			"cache_hit":      false,
			"was_compressed": res.WasCompressed,
			"model_used":     res.ModelUsed,
		},
	}, nil
}

// runCommand validates before executing; a denied command never reaches the
// executor.
func (b *Broker) runCommand(ctx context.Context, c call, t RunCommand) (outcome, error) {
	verdict, err := b.policies.Validate(t.Command, c.req.PolicyID)
	if err != nil {
		return outcome{}, invalid("policy_id", "%v", err)
	}
	if !verdict.Allowed {
		b.log.Warn("command denied", "task_id", c.req.TaskID, "policy", c.req.PolicyID, "reason", verdict.Reason)
		return outcome{
			status:  domain.StatusFailed,
			summary: "Command denied: " + verdict.Reason,
			details: events.EventPayload{"command": t.Command, "denied": true, "reason": verdict.Reason, "rule": verdict.Rule},
		}, nil
	}

	slot := b.slots[c.req.PolicyID]
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		return outcome{
			status:  domain.StatusFailed,
			summary: "Command not started: " + ctx.Err().Error(),
		}, nil
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = b.execTimeout
	}
	useSandbox := b.useSandbox
	if t.UseSandbox != nil {
		useSandbox = *t.UseSandbox
	}
	res := b.executor.Execute(ctx, sandbox.Request{
		Command:      t.Command,
		WorkDir:      t.WorkDir,
		Timeout:      timeout,
		PolicyID:     c.req.PolicyID,
		UseSandbox:   useSandbox,
		AllowNetwork: c.policy.Network,
	})

	content := commandOutput(res)
	hash := contenthash.String(content)
	summary := commandSummary(t.Command, res)
	err = b.cache.Store(ctx, hash, cache.Payload{
		"kind":          kindCommand,
		"command":       t.Command,
		"summary":       summary,
		"confidence":    res.Confidence,
		"content":       content,
		"stdout":        res.Stdout,
		"stderr":        res.Stderr,
		"exit_code":     res.ExitCode,
		"outcome":       string(res.Outcome),
		"was_sandboxed": res.WasSandboxed,
		"truncated":     res.Truncated,
	})
	if err != nil {
		return outcome{}, err
	}
	status := domain.StatusCompleted
	if res.Outcome != sandbox.OutcomeCompleted || res.ExitCode != 0 {
		status = domain.StatusPartial
	}
	return outcome{
		status:     status,
		summary:    summary,
		refs:       []domain.ResultRef{{Type: domain.RefCache, Hash: hash, SizeBytes: int64(len(content))}},
		confidence: res.Confidence,
		resultHash: hash,
		details: events.EventPayload{
			"command":       t.Command,
			"exit_code":     res.ExitCode,
			"outcome":       string(res.Outcome),
			"was_sandboxed": res.WasSandboxed,
			"duration_ms":   res.Duration.Milliseconds(),
		},
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
