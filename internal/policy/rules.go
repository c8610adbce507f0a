package policy

// Tool names a policy may grant.
const (
	ToolFileScanner = "file_scanner"
	ToolSummarizer  = "summarizer"
	ToolBashRunner  = "bash_runner"
	ToolFetchDetail = "fetch_detail"
)

type ConcurrencyMode string

const (
	Parallel   ConcurrencyMode = "parallel"
	Sequential ConcurrencyMode = "sequential"
)

// sharedBlock applies to every policy and is searched anywhere in the
// command, not only at the start.
var sharedBlock = []string{
	`rm\s+-rf`,
	`rm\s+.*\*`,
	`\bcurl\b`,
	`\bwget\b`,
	`\bchmod\b`,
	`\bchown\b`,
	`\bsudo\b`,
	`\bsu\s`,
	`\bdd\b`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bparted\b`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\binit\b`,
	`\bsystemctl\b`,
	`npm install`,
	`pip install`,
	`cargo install`,
	`go install`,
	`\bapt\s`,
	`\bapt-get\s`,
	`\byum\s`,
	`\bdnf\s`,
	`\bpacman\s`,
	`>\s*/`,
	`>\s*~`,
	`\|.*sh\b`,
	"`",
	`\$\(`,
	`;\s*rm\b`,
	`&&\s*rm\b`,
	`\|\|\s*rm\b`,
}

var inspectVerbs = []string{
	`grep\s`,
	`cat\s`,
	`ls(\s|$)`,
	`find\s`,
	`wc\s`,
	`head\s`,
	`tail\s`,
	`tree(\s|$)`,
	`file\s`,
	`stat\s`,
}

var introspectVerbs = []string{
	`pwd$`,
	`echo\s`,
	`which\s`,
	`type\s`,
	`env$`,
	`printenv(\s|$)`,
}

var buildVerbs = []string{
	`make(\s|$)`,
	`npm run\s`,
	`npm test`,
	`pip list`,
	`pip show\s`,
	`python -m pytest`,
	`pytest(\s|$)`,
	`python -m py_compile`,
	`cargo check`,
	`cargo test`,
	`cargo build`,
	`go build`,
	`go test`,
	`go vet`,
}

var allTools = []string{ToolFileScanner, ToolSummarizer, ToolBashRunner, ToolFetchDetail}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// Defaults returns fresh copies of the built-in policies.
func Defaults() map[string]Policy {
	return map[string]Policy{
		"default": {
			ID:                 "default",
			Description:        "Default policy with read-only shell commands",
			Concurrency:        Parallel,
			MaxConcurrentTasks: 4,
			AllowedTools:       concat(allTools),
			FileRead:           true,
			Allow:              concat(inspectVerbs, introspectVerbs),
		},
		"readonly": {
			ID:                 "readonly",
			Description:        "Read-only inspection and introspection commands",
			Concurrency:        Parallel,
			MaxConcurrentTasks: 4,
			AllowedTools:       concat(allTools),
			FileRead:           true,
			Allow:              concat(inspectVerbs, introspectVerbs),
		},
		"build": {
			ID:                 "build",
			Description:        "Sequential build and test commands",
			Concurrency:        Sequential,
			MaxConcurrentTasks: 1,
			AllowedTools:       concat(allTools),
			FileRead:           true,
			Allow:              concat(inspectVerbs, introspectVerbs, buildVerbs),
		},
	}
}
