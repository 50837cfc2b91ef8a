package reporting

import (
	"fmt"
	"strings"

	"github.com/jstemmer/go-junit-report/v2/junit"
)

// toJUnit maps a run to one JUnit testsuite with a testcase per phase.
func toJUnit(result *Result) junit.Testsuites {
	suite := junit.Testsuite{
		Name: result.Scenario.Name,
		Time: formatSeconds(result.Duration),
	}
	suite.SetTimestamp(result.StartTime)
	suite.AddProperty("runId", result.RunID)
	if len(result.Scenario.Tags) > 0 {
		suite.AddProperty("tags", strings.Join(result.Scenario.Tags, ","))
	}

	for _, p := range result.Phases {
		tc := junit.Testcase{
			Name:      p.Name,
			Classname: result.Scenario.Name,
			Time:      formatSeconds(p.Duration),
			Status:    string(p.Status),
		}
		switch p.Status {
		case StatusFailed:
			tc.Failure = &junit.Result{Message: "Failed", Data: p.Message}
		case StatusSkipped:
			tc.Skipped = &junit.Result{Message: p.Message}
		}
		suite.AddTestcase(tc)
	}

	var suites junit.Testsuites
	suites.AddSuite(suite)
	return suites
}

// formatJUnit renders Result as JUnit XML
func formatJUnit(result *Result) (string, error) {
	suites := toJUnit(result)

	var sb strings.Builder
	if err := suites.WriteXML(&sb); err != nil {
		return "", fmt.Errorf("failed to marshal JUnit XML: %w", err)
	}
	return sb.String(), nil
}

func formatSeconds(s float64) string {
	return fmt.Sprintf("%.3f", s)
}
