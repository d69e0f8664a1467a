package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/accgate/internal/common"
	"example.com/accgate/internal/decode"
	"example.com/accgate/internal/rules"
)

// SaveAcceptancePDF renders the acceptance report into a PDF document. When
// stats is non-empty, a per-signal summary table is appended. The footer
// carries a QR code of the JSON report's digest when jsonPath names an
// already-written acceptance JSON.
func SaveAcceptancePDF(rep rules.AcceptanceReport, stats []decode.Stats, jsonPath, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("ACC Trace Acceptance Report", false)
	pdf.SetAuthor("accctl", false)
	pdf.SetCreator("accctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "ACC Trace Acceptance Report")
	addSummarySection(pdf, rep)
	addResultsSection(pdf, rep.Results)
	addViolationsSection(pdf, rep)
	if len(stats) > 0 {
		addStatsSection(pdf, stats)
	}
	if jsonPath != "" {
		if err := addDigestQR(pdf, jsonPath); err != nil {
			return err
		}
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addSummarySection(pdf *gofpdf.Fpdf, rep rules.AcceptanceReport) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Catalog", value: emptyFallback(rep.CatalogFile, "-")},
		{label: "Trace", value: emptyFallback(rep.TraceFile, "-")},
		{label: "Rules Evaluated", value: strconv.Itoa(rep.Summary.Total)},
		{label: "Passed", value: strconv.Itoa(rep.Summary.Passed)},
		{label: "Failed", value: strconv.Itoa(rep.Summary.Failed)},
		{label: "Pass Rate", value: fmt.Sprintf("%.1f%%", rep.Summary.PassRate*100)},
		{label: "Overall", value: passLabel(rep.Summary.Pass)},
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addResultsSection(pdf *gofpdf.Fpdf, results []rules.TestResult) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Rule Matrix")
	pdf.Ln(9)

	headers := []string{"Rule", "Name", "Severity", "Pass", "Violations"}
	widths := []float64{30, 74, 26, 20, 30}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	lineHeight := 5.0
	for _, row := range results {
		values := []string{
			row.RuleId,
			emptyFallback(row.Name, "-"),
			severityLabel(row.Severity),
			passLabel(row.Passed),
			strconv.Itoa(len(row.Violations)),
		}
		renderTableRow(pdf, widths, values, lineHeight)
	}
	pdf.Ln(4)
}

func addViolationsSection(pdf *gofpdf.Fpdf, rep rules.AcceptanceReport) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Violations")
	pdf.Ln(9)

	n := 0
	for _, res := range rep.Results {
		for _, v := range res.Violations {
			n++
			pdf.SetFont("Helvetica", "B", 10)
			header := fmt.Sprintf("%d. %s (%s)", n, v.RuleId, severityLabel(v.Severity))
			pdf.MultiCell(0, 5, header, "", "L", false)

			if msg := strings.TrimSpace(v.Message); msg != "" {
				pdf.SetFont("Helvetica", "", 10)
				pdf.MultiCell(0, 5, msg, "", "L", false)
			}

			if meta := violationMetadata(v); meta != "" {
				pdf.SetFont("Helvetica", "", 9)
				pdf.MultiCell(0, 4, meta, "", "L", false)
			}
			pdf.Ln(2)
		}
	}
	if n == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No violations recorded.", "", "L", false)
	}
	pdf.Ln(2)
}

func addStatsSection(pdf *gofpdf.Fpdf, stats []decode.Stats) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Signal Statistics")
	pdf.Ln(9)

	headers := []string{"Signal", "Samples", "Min", "Max", "Mean", "Unit"}
	widths := []float64{50, 24, 26, 26, 26, 28}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, st := range stats {
		values := []string{
			st.Signal,
			strconv.Itoa(st.Count),
			fmt.Sprintf("%.2f", st.Min),
			fmt.Sprintf("%.2f", st.Max),
			fmt.Sprintf("%.2f", st.Mean),
			emptyFallback(st.Unit, "-"),
		}
		renderTableRow(pdf, widths, values, 5.0)
	}
	pdf.Ln(4)
}

func addDigestQR(pdf *gofpdf.Fpdf, jsonPath string) error {
	digest, _, err := common.Sha256OfFile(jsonPath)
	if err != nil {
		return err
	}
	png, err := DigestToQR(digest, 256)
	if err != nil {
		return err
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("report-digest", opts, bytes.NewReader(png))
	pdf.SetFont("Helvetica", "", 8)
	pdf.MultiCell(0, 4, "Report digest (SHA-256): "+digest, "", "L", false)
	pdf.ImageOptions("report-digest", pdf.GetX(), pdf.GetY()+2, 24, 24, false, opts, 0, "")
	pdf.Ln(28)
	return nil
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		cellText := strings.Join(lines, "\n")
		pdf.MultiCell(widths[i], lineHeight, cellText, "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func passLabel(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func severityLabel(sev rules.Severity) string {
	if s := strings.TrimSpace(string(sev)); s != "" {
		return s
	}
	return "UNKNOWN"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func violationMetadata(v rules.Violation) string {
	parts := make([]string, 0, 6)
	if !v.Ts.IsZero() {
		parts = append(parts, v.Ts.Format(time.RFC3339))
	}
	if v.File != "" {
		parts = append(parts, v.File)
	}
	if v.Signal != "" {
		parts = append(parts, "Signal "+v.Signal)
	}
	if v.FrameID != 0 {
		parts = append(parts, fmt.Sprintf("Frame 0x%X", v.FrameID))
	}
	if v.Channel != 0 {
		parts = append(parts, fmt.Sprintf("Channel %d", v.Channel))
	}
	if v.EndTimestamp != nil {
		parts = append(parts, fmt.Sprintf("Interval %.6f s to %.6f s", v.Timestamp, *v.EndTimestamp))
	} else {
		parts = append(parts, fmt.Sprintf("At %.6f s", v.Timestamp))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " · ")
}
