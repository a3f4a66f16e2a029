package eval

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/worldloom/ace/internal/fault"
	"github.com/worldloom/ace/internal/jsonx"
	"github.com/worldloom/ace/internal/workflow"
)

// Recommendation is the CI gate verdict.
type Recommendation string

const (
	RecommendPass   Recommendation = "PASS"
	RecommendFail   Recommendation = "FAIL"
	RecommendReview Recommendation = "REVIEW_REQUIRED"
)

// Thresholds are per-case or global score floors.
type Thresholds struct {
	Faithfulness float64 `json:"faithfulness,omitempty"`
	Coverage     float64 `json:"coverage,omitempty"`
}

// TestCase is one golden dataset entry.
type TestCase struct {
	ID             string      `json:"id"`
	Category       string      `json:"category"`
	Query          string      `json:"query"`
	Expected       string      `json:"expected,omitempty"`
	MustInclude    []string    `json:"mustInclude,omitempty"`
	MustNotInclude []string    `json:"mustNotInclude,omitempty"`
	Thresholds     *Thresholds `json:"thresholds,omitempty"`
}

// Dataset is a versioned golden dataset loaded from disk.
type Dataset struct {
	Version     string     `json:"version"`
	Description string     `json:"description"`
	TotalTests  int        `json:"total_tests"`
	TestCases   []TestCase `json:"test_cases"`
}

// LoadDataset reads and validates a golden dataset file.
func LoadDataset(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fault.Wrap(fault.Validation, "read dataset", err)
	}
	var ds Dataset
	if err := jsonx.Unmarshal(data, &ds); err != nil {
		return Dataset{}, fault.Wrap(fault.Validation, "parse dataset", err)
	}
	if len(ds.TestCases) == 0 {
		return Dataset{}, fault.New(fault.Validation, "dataset has no test cases")
	}
	return ds, nil
}

// CaseResult is the outcome of one test case.
type CaseResult struct {
	ID           string   `json:"id"`
	Category     string   `json:"category"`
	Passed       bool     `json:"passed"`
	Faithfulness float64  `json:"faithfulness"`
	Coverage     float64  `json:"coverage"`
	Accuracy     float64  `json:"accuracy,omitempty"`
	Iterations   int      `json:"iterations"`
	Failures     []string `json:"failures,omitempty"`
}

// Report aggregates a regression run.
type Report struct {
	DatasetVersion  string         `json:"dataset_version"`
	Total           int            `json:"total"`
	Passed          int            `json:"passed"`
	Failed          int            `json:"failed"`
	AvgFaithfulness float64        `json:"avg_faithfulness"`
	AvgCoverage     float64        `json:"avg_coverage"`
	Recommendation  Recommendation `json:"recommendation"`
	Cases           []CaseResult   `json:"cases"`
}

// Answerer runs one inference query; satisfied by the workflow engine.
type Answerer interface {
	Answer(ctx context.Context, query string) (workflow.Result, error)
}

// Runner executes a golden dataset against the live workflow.
type Runner struct {
	answerer Answerer
	scorer   *Scorer
	defaults Thresholds
	logger   *zap.Logger
}

// NewRunner wires a runner with global default thresholds.
func NewRunner(answerer Answerer, scorer *Scorer, defaults Thresholds, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.Faithfulness <= 0 {
		defaults.Faithfulness = 0.97
	}
	if defaults.Coverage <= 0 {
		defaults.Coverage = 0.80
	}
	return &Runner{answerer: answerer, scorer: scorer, defaults: defaults, logger: logger}
}

// Run executes every test case sequentially so the LM backend is never
// saturated by the harness itself.
func (r *Runner) Run(ctx context.Context, ds Dataset) (Report, error) {
	report := Report{DatasetVersion: ds.Version, Total: len(ds.TestCases)}
	var sumFaith, sumCov float64

	for _, tc := range ds.TestCases {
		if err := ctx.Err(); err != nil {
			return Report{}, fault.Wrap(fault.Cancelled, "regression run cancelled", err)
		}
		cr := r.runCase(ctx, tc)
		sumFaith += cr.Faithfulness
		sumCov += cr.Coverage
		if cr.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Cases = append(report.Cases, cr)
		r.logger.Info("case scored",
			zap.String("id", tc.ID),
			zap.Bool("passed", cr.Passed),
			zap.Float64("faithfulness", cr.Faithfulness),
			zap.Float64("coverage", cr.Coverage))
	}

	if report.Total > 0 {
		report.AvgFaithfulness = sumFaith / float64(report.Total)
		report.AvgCoverage = sumCov / float64(report.Total)
	}
	report.Recommendation = recommend(report)
	return report, nil
}

func (r *Runner) runCase(ctx context.Context, tc TestCase) CaseResult {
	cr := CaseResult{ID: tc.ID, Category: tc.Category}
	faithFloor, covFloor := r.defaults.Faithfulness, r.defaults.Coverage
	if tc.Thresholds != nil {
		if tc.Thresholds.Faithfulness > 0 {
			faithFloor = tc.Thresholds.Faithfulness
		}
		if tc.Thresholds.Coverage > 0 {
			covFloor = tc.Thresholds.Coverage
		}
	}

	res, err := r.answerer.Answer(ctx, tc.Query)
	if err != nil {
		cr.Failures = append(cr.Failures, "workflow: "+err.Error())
		return cr
	}
	cr.Iterations = res.Iterations
	if !res.Success {
		cr.Failures = append(cr.Failures, "workflow returned success=false")
	}

	sample := Sample{
		Query:         tc.Query,
		GeneratedText: res.Response,
		Context:       res.ContextSummary,
		Expected:      tc.Expected,
	}

	faith, err := r.scorer.Faithfulness(ctx, sample)
	if err != nil {
		cr.Failures = append(cr.Failures, "faithfulness: "+err.Error())
		return cr
	}
	cr.Faithfulness = faith.Score
	if faith.Score < faithFloor {
		cr.Failures = append(cr.Failures, fmt.Sprintf(
			"faithfulness %.3f below %.3f (%d ungrounded claims)",
			faith.Score, faithFloor, len(faith.Ungrounded)))
	}

	cov, err := r.scorer.Coverage(ctx, sample)
	if err != nil {
		cr.Failures = append(cr.Failures, "coverage: "+err.Error())
		return cr
	}
	cr.Coverage = cov.Score
	if cov.Score < covFloor {
		cr.Failures = append(cr.Failures, fmt.Sprintf(
			"coverage %.3f below %.3f", cov.Score, covFloor))
	}

	if tc.Expected != "" {
		acc, err := r.scorer.Accuracy(ctx, sample)
		if err != nil {
			cr.Failures = append(cr.Failures, "accuracy: "+err.Error())
			return cr
		}
		cr.Accuracy = acc
	}

	lower := strings.ToLower(res.Response)
	for _, must := range tc.MustInclude {
		if !strings.Contains(lower, strings.ToLower(must)) {
			cr.Failures = append(cr.Failures, fmt.Sprintf("missing required phrase %q", must))
		}
	}
	for _, banned := range tc.MustNotInclude {
		if strings.Contains(lower, strings.ToLower(banned)) {
			cr.Failures = append(cr.Failures, fmt.Sprintf("contains forbidden phrase %q", banned))
		}
	}

	cr.Passed = len(cr.Failures) == 0
	return cr
}

// recommend applies the gate rule: PASS needs a clean run with high average
// faithfulness; FAIL marks clearly broken runs; everything between needs a
// human.
func recommend(r Report) Recommendation {
	failRate := 0.0
	if r.Total > 0 {
		failRate = float64(r.Failed) / float64(r.Total)
	}
	switch {
	case r.Failed == 0 && r.AvgFaithfulness >= 0.97:
		return RecommendPass
	case r.AvgFaithfulness < 0.95 || failRate > 0.20:
		return RecommendFail
	default:
		return RecommendReview
	}
}
