package reporting

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReportFormat names a report encoding.
type ReportFormat string

const (
	FormatJSON  ReportFormat = "json"
	FormatText  ReportFormat = "text"
	FormatJUnit ReportFormat = "junit"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported report format")

	errRenderReport    = errors.New("failed to render report")
	errCreateReportDir = errors.New("failed to create report directory")
	errWriteReport     = errors.New("failed to write report file")
)

type formatter struct {
	filename string
	render   func(*Result) (string, error)
}

var formatters = map[ReportFormat]formatter{
	FormatJSON:  {filename: "report.json", render: formatJSON},
	FormatText:  {filename: "report.txt", render: formatText},
	FormatJUnit: {filename: "junit.xml", render: formatJUnit},
}

// Formats returns every supported format.
func Formats() []ReportFormat {
	return []ReportFormat{FormatJSON, FormatText, FormatJUnit}
}

// Reporter writes the reports of finished runs under an artifact directory,
// one subdirectory per run ID.
type Reporter struct {
	artifactDir string
}

func NewReporter(artifactDir string) *Reporter {
	return &Reporter{artifactDir: artifactDir}
}

// GenerateReport renders result in format.
func (r *Reporter) GenerateReport(result *Result, format ReportFormat) (string, error) {
	f, ok := formatters[format]
	if !ok {
		return "", errors.Join(fmt.Errorf("format=%s", format), ErrUnsupportedFormat)
	}

	out, err := f.render(result)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("format=%s", format), errRenderReport)
	}
	return out, nil
}

// ReportDir returns the directory the reports of a run are written to.
func (r *Reporter) ReportDir(result *Result) string {
	return filepath.Join(r.artifactDir, result.RunID)
}

// WriteReport renders result in format and writes it to the run directory.
func (r *Reporter) WriteReport(result *Result, format ReportFormat) error {
	content, err := r.GenerateReport(result, format)
	if err != nil {
		return err
	}

	dir := r.ReportDir(result)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", dir), errCreateReportDir)
	}

	path := filepath.Join(dir, formatters[format].filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path), errWriteReport)
	}
	return nil
}

// PrintSummary writes a short summary of the run to w.
func (r *Reporter) PrintSummary(w io.Writer, result *Result) error {
	_, err := io.WriteString(w, formatSummary(result, r.ReportDir(result)))
	return err
}

func formatJSON(result *Result) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}
