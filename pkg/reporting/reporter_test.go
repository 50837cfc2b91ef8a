//go:build unit

package reporting

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jstemmer/go-junit-report/v2/junit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewResult(ScenarioInfo{Name: "encrypted", Description: "LUKS install", Tags: []string{"luks"}}, start)
	r.Add(PhaseResult{Name: "Check that the installation script runs to completion", Status: StatusPassed, Duration: 120})
	r.Add(PhaseResult{Name: "Check whether drive is mounted correctly", Status: StatusFailed, Duration: 1.5,
		Message: "mount output lacks \"/dev/mapper/crypted on /nix type btrfs\"\nassertion failed"})
	r.Add(PhaseResult{Name: "Check that hostname is set correctly", Status: StatusSkipped, Message: "skipped after failure"})
	r.Finish(start.Add(3 * time.Minute))
	return r
}

func TestResult_Finish(t *testing.T) {
	r := sampleResult()

	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 180.0, r.Duration)
	assert.Equal(t, Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1, PassRate: 1.0 / 3}, r.Summary)
	assert.Len(t, r.Failures(), 1)
}

func TestResult_FinishStatuses(t *testing.T) {
	now := time.Now()

	passed := NewResult(ScenarioInfo{Name: "a"}, now)
	passed.Add(PhaseResult{Name: "p", Status: StatusPassed})
	passed.Finish(now)
	assert.Equal(t, StatusPassed, passed.Status)

	empty := NewResult(ScenarioInfo{Name: "b"}, now)
	empty.Finish(now)
	assert.Equal(t, StatusSkipped, empty.Status)
	assert.Zero(t, empty.Summary.PassRate)

	assert.NotEqual(t, passed.RunID, empty.RunID)
}

func TestReporter_GenerateReport_JSON(t *testing.T) {
	r := sampleResult()

	out, err := NewReporter(t.TempDir()).GenerateReport(r, FormatJSON)
	require.NoError(t, err)

	var decoded Result
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, r.RunID, decoded.RunID)
	assert.Equal(t, StatusFailed, decoded.Status)
	assert.Len(t, decoded.Phases, 3)
	assert.Contains(t, out, `"runId"`)
}

func TestReporter_GenerateReport_Text(t *testing.T) {
	out, err := NewReporter(t.TempDir()).GenerateReport(sampleResult(), FormatText)
	require.NoError(t, err)

	assert.Contains(t, out, "INSTALLER ACCEPTANCE REPORT")
	assert.Contains(t, out, "Scenario:     encrypted")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "[02]")
	assert.Contains(t, out, "FAILURES")
	assert.Contains(t, out, "\n              assertion failed")
}

func TestReporter_GenerateReport_JUnit(t *testing.T) {
	out, err := NewReporter(t.TempDir()).GenerateReport(sampleResult(), FormatJUnit)
	require.NoError(t, err)

	var suites junit.Testsuites
	require.NoError(t, xml.Unmarshal([]byte(out), &suites))
	require.Len(t, suites.Suites, 1)

	suite := suites.Suites[0]
	assert.Equal(t, "encrypted", suite.Name)
	assert.Equal(t, 3, suite.Tests)
	assert.Equal(t, 1, suite.Failures)
	assert.Equal(t, 1, suite.Skipped)
	assert.Equal(t, "180.000", suite.Time)
	require.Len(t, suite.Testcases, 3)
	assert.NotNil(t, suite.Testcases[1].Failure)
	assert.Contains(t, out, "<![CDATA[mount output lacks")
	assert.NotNil(t, suite.Testcases[2].Skipped)
}

func TestReporter_GenerateReport_Unsupported(t *testing.T) {
	_, err := NewReporter(t.TempDir()).GenerateReport(sampleResult(), ReportFormat("html"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestReporter_WriteReport(t *testing.T) {
	dir := t.TempDir()
	reporter := NewReporter(dir)
	r := sampleResult()

	for _, format := range Formats() {
		require.NoError(t, reporter.WriteReport(r, format))
	}

	for _, name := range []string{"report.json", "report.txt", "junit.xml"} {
		_, err := os.Stat(filepath.Join(dir, r.RunID, name))
		assert.NoError(t, err, name)
	}

	assert.ErrorIs(t, reporter.WriteReport(r, ReportFormat("html")), ErrUnsupportedFormat)
}

func TestReporter_PrintSummary(t *testing.T) {
	reporter := NewReporter("/artifacts")
	r := sampleResult()

	var buf bytes.Buffer
	require.NoError(t, reporter.PrintSummary(&buf, r))
	assert.Contains(t, buf.String(), "Phases:   3 total, 1 passed, 1 failed, 1 skipped")
	assert.Contains(t, buf.String(), "1. Check whether drive is mounted correctly")
	assert.Contains(t, buf.String(), "Full report: /artifacts/"+r.RunID+"/report.txt")
}
