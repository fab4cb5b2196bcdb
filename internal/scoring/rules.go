package scoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// Rule assigns a severity label to log lines matching an expr-lang expression.
type Rule struct {
	// Label is the severity assigned on match (NORMAL, WARNING, CRITICAL).
	Label string

	// Expression is evaluated against the line, e.g. `message contains "breach"`.
	// level and message are lowercased before evaluation.
	Expression string

	// Confidence is reported for critical matches. Zero means unspecified.
	Confidence float64
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// RuleAnalyzer labels each line with the first matching rule. Lines that
// match no rule are NORMAL.
type RuleAnalyzer struct {
	rules []compiledRule
}

// NewRuleAnalyzer compiles rules in order.
func NewRuleAnalyzer(rules []Rule) (*RuleAnalyzer, error) {
	sampleEnv := buildSampleEnv()

	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		label := strings.ToUpper(r.Label)
		switch label {
		case models.SeverityNormal, models.SeverityWarning, models.SeverityCritical:
		default:
			return nil, fmt.Errorf("rule %d: unknown label %q", i, r.Label)
		}
		if err := CheckConfidence(r.Confidence); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		program, err := expr.Compile(r.Expression, expr.Env(sampleEnv), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %d: compile expression: %w", i, err)
		}
		r.Label = label
		compiled = append(compiled, compiledRule{Rule: r, program: program})
	}
	return &RuleAnalyzer{rules: compiled}, nil
}

// Analyze implements LogSeverityAnalyzer. The reported confidence is the
// mean confidence of the rules behind critical matches.
func (a *RuleAnalyzer) Analyze(ctx context.Context, lines []models.LogLine) (*LogAnalysis, error) {
	labels := make([]string, len(lines))
	var confSum float64
	var confN int

	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		labels[i] = models.SeverityNormal

		env := buildEnvFromLine(line)
		for _, r := range a.rules {
			result, err := expr.Run(r.program, env)
			if err != nil {
				return nil, fmt.Errorf("evaluate rule %q: %w", r.Expression, err)
			}
			matched, ok := result.(bool)
			if !ok {
				return nil, fmt.Errorf("rule %q did not return bool: got %T", r.Expression, result)
			}
			if !matched {
				continue
			}
			labels[i] = r.Label
			if r.Label == models.SeverityCritical && r.Confidence > 0 {
				confSum += r.Confidence
				confN++
			}
			break
		}
	}

	analysis := NewLogAnalysis(labels)
	if confN > 0 {
		c := confSum / float64(confN)
		analysis.Confidence = &c
	}
	return analysis, nil
}

// buildSampleEnv creates a sample environment for expression compilation.
func buildSampleEnv() map[string]any {
	return map[string]any{
		"level":   "",
		"ordinal": 0,
		"message": "",
		"raw":     "",
	}
}

// buildEnvFromLine creates an evaluation environment from a log line.
func buildEnvFromLine(line models.LogLine) map[string]any {
	return map[string]any{
		"level":   strings.ToLower(string(line.Level)),
		"ordinal": line.Level.Ordinal(),
		"message": strings.ToLower(line.Message),
		"raw":     line.Raw,
	}
}
