package pipeline

// Description is parsed from a pipeline TOML file (pulsar.toml by default).
type Description struct {
	Pipeline    Info                 `toml:"pipeline"`
	Options     Options              `toml:"options"`
	Parameters  map[string]Parameter `toml:"parameters"`
	Environment map[string]string    `toml:"environment"` // name -> expression with ${NAME} references
	Stages      []Stage              `toml:"stages"`
	Post        Post                 `toml:"post"`
	SourceFile  string               `toml:"-"` // path the description was loaded from
}

// Info holds the pipeline's name and description.
type Info struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// Options holds pipeline-wide execution settings.
type Options struct {
	Retry                   int    `toml:"retry"`   // retries for stages that omit their own
	Timeout                 string `toml:"timeout"` // whole-run timeout, "" = none
	ContinueOnFailure       bool   `toml:"continue_on_failure"`
	FailFast                bool   `toml:"fail_fast"`
	DisableConcurrentBuilds bool   `toml:"disable_concurrent_builds"`
	KeepRuns                int    `toml:"keep_runs"` // 0 = keep all history
}

// Parameter declares a build parameter supplied at run time.
type Parameter struct {
	Default     string   `toml:"default"`
	Required    bool     `toml:"required"`
	Description string   `toml:"description"`
	Choices     []string `toml:"choices"`
}

// Stage is a single [[stages]] entry. Exactly one of Steps, Body,
// Stages, Parallel or Matrix supplies its work.
type Stage struct {
	Name              string         `toml:"name"`
	Steps             []string       `toml:"steps"`
	Body              string         `toml:"body"`  // name of an in-process body
	Agent             string         `toml:"agent"` // agent label, "" = any
	When              map[string]any `toml:"when"`
	Retry             *int           `toml:"retry"` // nil = inherit options.retry
	RetryBackoff      string         `toml:"retry_backoff"`
	Timeout           string         `toml:"timeout"` // per attempt
	Init              bool           `toml:"init"`
	Input             *Input         `toml:"input"`
	UnstableExitCodes []int          `toml:"unstable_exit_codes"`
	ContinueOnFailure bool           `toml:"continue_on_failure"`
	FailFast          bool           `toml:"fail_fast"`
	Stages            []Stage        `toml:"stages"`
	Parallel          []Stage        `toml:"parallel"`
	Matrix            *Matrix        `toml:"matrix"`
	Post              Post           `toml:"post"`
}

// Input marks a stage as an approval gate.
type Input struct {
	Message    string   `toml:"message"`
	OK         string   `toml:"ok"`
	Timeout    string   `toml:"timeout"`
	Submitters []string `toml:"submitters"` // empty = anyone may decide
}

// Matrix expands its Stages once per combination of axis values.
type Matrix struct {
	Axes              []Axis              `toml:"axes"`
	Exclude           []map[string]string `toml:"exclude"`
	Stages            []Stage             `toml:"stages"`
	FailFast          bool                `toml:"fail_fast"`
	ContinueOnFailure bool                `toml:"continue_on_failure"`
}

// Axis is a named, ordered set of values.
type Axis struct {
	Name   string   `toml:"name"`
	Values []string `toml:"values"`
}

// Post lists the lifecycle hooks run after a pipeline or stage finishes.
type Post struct {
	Always   *Hook `toml:"always"`
	Success  *Hook `toml:"success"`
	Failure  *Hook `toml:"failure"`
	Unstable *Hook `toml:"unstable"`
	Aborted  *Hook `toml:"aborted"`
	Changed  *Hook `toml:"changed"`
	Cleanup  *Hook `toml:"cleanup"`
}

// Empty reports whether no hook is declared.
func (p Post) Empty() bool {
	return p.Always == nil && p.Success == nil && p.Failure == nil &&
		p.Unstable == nil && p.Aborted == nil && p.Changed == nil && p.Cleanup == nil
}

// Hook runs steps and sends notifications to named channels.
type Hook struct {
	Steps  []string `toml:"steps"`
	Notify []string `toml:"notify"`
}
