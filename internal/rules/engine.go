package rules

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"example.com/accgate/internal/asc"
	"example.com/accgate/internal/common"
	"example.com/accgate/internal/dbc"
	"example.com/accgate/internal/decode"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

type Rule struct {
	RuleId   string         `json:"ruleId"`
	Name     string         `json:"name,omitempty"`
	Severity Severity       `json:"severity"`
	Check    string         `json:"checkFunction"`
	Params   map[string]any `json:"params,omitempty"`
	Message  string         `json:"message,omitempty"`
}

type RulePack struct {
	RulePackId string `json:"rulePackId"`
	Version    string `json:"version"`
	Profile    string `json:"profile"`
	Rules      []Rule `json:"rules"`
}

// Violation is one finding emitted by a check. EndTimestamp is set for
// findings that span an interval, such as a silent gap between two frames.
type Violation struct {
	Ts           time.Time      `json:"ts"`
	File         string         `json:"file"`
	RuleId       string         `json:"ruleId"`
	Severity     Severity       `json:"severity"`
	Timestamp    float64        `json:"timestamp"`
	EndTimestamp *float64       `json:"endTimestamp,omitempty"`
	Signal       string         `json:"signal,omitempty"`
	FrameID      uint32         `json:"frameId,omitempty"`
	Channel      int            `json:"channel,omitempty"`
	Message      string         `json:"message"`
	Evidence     map[string]any `json:"evidence,omitempty"`
}

// TestResult is the verdict of one rule over the whole trace.
type TestResult struct {
	RuleId     string      `json:"ruleId"`
	Name       string      `json:"name"`
	Severity   Severity    `json:"severity"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
}

type AcceptanceReport struct {
	Summary struct {
		Total    int     `json:"total"`
		Passed   int     `json:"passed"`
		Failed   int     `json:"failed"`
		PassRate float64 `json:"passRate"`
		Pass     bool    `json:"pass"`
	} `json:"summary"`
	CatalogFile string       `json:"catalogFile,omitempty"`
	TraceFile   string       `json:"traceFile,omitempty"`
	Results     []TestResult `json:"results"`
}

// Context carries everything a check can look at. The trace is decoded once,
// lazily, and shared read-only by every rule in the pack.
type Context struct {
	CatalogFile string
	TraceFile   string
	Profile     string

	Database *dbc.Database
	Set      *decode.SeriesSet
	Skipped  int
	Metrics  *common.Metrics
}

// EnsureDecoded loads the catalog and drains the trace into the series set.
// It is idempotent: the second and later calls are free.
func (ctx *Context) EnsureDecoded() error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if ctx.Set != nil {
		return nil
	}
	if ctx.Database == nil {
		if ctx.CatalogFile == "" {
			return errors.New("no catalog configured")
		}
		db, err := dbc.LoadFile(ctx.CatalogFile)
		if err != nil {
			return err
		}
		ctx.Database = db
	}
	set := decode.NewSeriesSet(ctx.Database)
	if ctx.Metrics != nil {
		set.SetMetrics(ctx.Metrics)
	}
	if ctx.TraceFile != "" {
		r, err := asc.Open(ctx.TraceFile)
		if err != nil {
			return err
		}
		defer r.Close()
		if ctx.Metrics != nil {
			r.SetMetrics(ctx.Metrics)
		}
		if err := set.AddAll(r); err != nil {
			return err
		}
		ctx.Skipped = r.Skipped()
	}
	ctx.Set = set
	return nil
}

// CheckFunc evaluates one rule against the decoded trace. The returned
// result reports pass/fail plus every violation found; errors are reserved
// for misconfigured rules and broken inputs, not for failed checks.
type CheckFunc func(ctx *Context, rule Rule) (TestResult, error)

type Engine struct {
	rulePack RulePack
	registry map[string]CheckFunc
	results  []TestResult
	onResult func(TestResult)
}

func NewEngine(rp RulePack) *Engine {
	e := &Engine{
		rulePack: rp,
		registry: make(map[string]CheckFunc),
	}
	RegisterBuiltins(e)
	return e
}

func (e *Engine) Register(name string, f CheckFunc) {
	e.registry[name] = f
}

// OnResult installs a callback fired after each rule finishes, in pack
// order. Used by the daemon to stream results as they arrive.
func (e *Engine) OnResult(fn func(TestResult)) {
	e.onResult = fn
}

func (e *Engine) RulePack() RulePack {
	return e.rulePack
}

// Eval runs every rule of the pack. A rule naming an unregistered check
// fails with a WARN-severity result instead of aborting the run.
func (e *Engine) Eval(ctx *Context) ([]TestResult, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if err := ctx.EnsureDecoded(); err != nil {
		return nil, err
	}
	var results []TestResult
	for _, r := range e.rulePack.Rules {
		fn, ok := e.registry[r.Check]
		if !ok {
			res := TestResult{
				RuleId:   r.RuleId,
				Name:     r.Name,
				Severity: WARN,
				Passed:   false,
				Violations: []Violation{{
					Ts:       time.Now().UTC(),
					File:     ctx.TraceFile,
					RuleId:   r.RuleId,
					Severity: WARN,
					Message:  fmt.Sprintf("no check function %q registered", r.Check),
				}},
			}
			results = append(results, res)
			if e.onResult != nil {
				e.onResult(res)
			}
			continue
		}
		res, err := fn(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.RuleId, err)
		}
		res.RuleId = r.RuleId
		if res.Name == "" {
			res.Name = r.Name
		}
		if res.Severity == "" {
			res.Severity = r.Severity
		}
		results = append(results, res)
		if e.onResult != nil {
			e.onResult(res)
		}
	}
	e.results = results
	return results, nil
}

// Results returns the outcome of the last Eval.
func (e *Engine) Results() []TestResult {
	return e.results
}

// WriteViolationsNDJSON streams every violation of the last Eval as one
// JSON object per line.
func (e *Engine) WriteViolationsNDJSON(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, res := range e.results {
		for _, v := range res.Violations {
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if _, err := bw.Write(b); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteViolationsFile writes the NDJSON stream to path.
func (e *Engine) WriteViolationsFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.WriteViolationsNDJSON(f)
}

// MakeAcceptance folds the last Eval into the pass/fail summary.
func (e *Engine) MakeAcceptance(ctx *Context) AcceptanceReport {
	var rep AcceptanceReport
	if ctx != nil {
		rep.CatalogFile = ctx.CatalogFile
		rep.TraceFile = ctx.TraceFile
	}
	var passed int
	for _, r := range e.results {
		if r.Passed {
			passed++
		}
	}
	rep.Summary.Total = len(e.results)
	rep.Summary.Passed = passed
	rep.Summary.Failed = len(e.results) - passed
	if len(e.results) > 0 {
		rep.Summary.PassRate = float64(passed) / float64(len(e.results))
	}
	rep.Summary.Pass = rep.Summary.Failed == 0
	rep.Results = e.results
	return rep
}

func LoadRulePack(path string) (RulePack, error) {
	var rp RulePack
	b, err := os.ReadFile(path)
	if err != nil {
		return rp, err
	}
	err = json.Unmarshal(b, &rp)
	return rp, err
}
