package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/safety"
	"github.com/samsamfire/goecat/pkg/telemetry"
	"github.com/samsamfire/goecat/pkg/timing"
)

// SavePDF renders the report into a PDF file
func SavePDF(rep Report, out string) error {
	pdf := render(rep)
	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

// WritePDF renders the report into w
func WritePDF(rep Report, w io.Writer) error {
	pdf := render(rep)
	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.Output(w)
}

func render(rep Report) *gofpdf.Fpdf {
	title := emptyFallback(rep.Title, "Commissioning Report")
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, false)
	pdf.SetAuthor("ecatd", false)
	pdf.SetCreator("ecatd", false)
	if !rep.Generated.IsZero() {
		pdf.SetCreationDate(rep.Generated)
	}
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, title)
	addSummarySection(pdf, rep)
	if rep.Config != nil {
		addConfigSection(pdf, rep.Config)
	}
	if rep.Snapshot != nil {
		addSlavesSection(pdf, rep.Snapshot)
	}
	addTimingSection(pdf, rep.Period, rep.Timing)
	addFaultsSection(pdf, rep)
	return pdf
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addSectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, title)
	pdf.Ln(9)
}

type item struct {
	label string
	value string
}

func addItems(pdf *gofpdf.Fpdf, items []item) {
	pdf.SetFont("Helvetica", "", 11)
	for _, item := range items {
		pdf.CellFormat(60, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addSummarySection(pdf *gofpdf.Fpdf, rep Report) {
	addSectionTitle(pdf, "Summary")
	items := []item{
		{label: "Generated", value: timeLabel(rep.Generated)},
		{label: "Network state", value: emptyFallback(rep.State, "-")},
		{label: "Cycles", value: strconv.FormatUint(rep.Timing.Cycles, 10)},
		{label: "Frame timeouts", value: strconv.FormatUint(rep.Master.FrameTimeouts, 10)},
		{label: "Malformed frames", value: strconv.FormatUint(rep.Master.Malformed, 10)},
		{label: "Unresponsive slaves", value: strconv.FormatUint(rep.Master.Unresponsive, 10)},
		{label: "Promotions / demotions", value: fmt.Sprintf("%d / %d", rep.Lifecycle.Promotions, rep.Lifecycle.Demotions)},
		{label: "Recoveries", value: fmt.Sprintf("%d (%d failed)", rep.Lifecycle.Recoveries, rep.Lifecycle.RecoveryFailures)},
		{label: "Safety faults", value: strconv.FormatUint(rep.Safety.Faults, 10)},
		{label: "Fail-safe cycles", value: strconv.FormatUint(rep.Safety.FailSafeCycles, 10)},
		{label: "Overall", value: passLabel(rep.Pass())},
	}
	addItems(pdf, items)
}

func addConfigSection(pdf *gofpdf.Fpdf, cfg *config.Config) {
	addSectionTitle(pdf, "Configuration")
	addItems(pdf, []item{
		{label: "Link", value: fmt.Sprintf("%s %s", cfg.Link.Interface, cfg.Link.Channel)},
		{label: "Cycle period", value: durationLabel(cfg.Timing.Period)},
		{label: "Frame timeout", value: durationLabel(cfg.Master.FrameTimeout)},
	})

	headers := []string{"Id", "Name", "Kind", "Startup", "Limits"}
	widths := []float64{12, 36, 22, 50, 60}
	addTableHeader(pdf, headers, widths)
	pdf.SetFont("Helvetica", "", 9)
	for id, s := range cfg.Slaves {
		startup := make([]string, 0, len(s.Startup))
		for _, data := range s.Startup {
			startup = append(startup, data.String())
		}
		limits := "-"
		if axis, ok := cfg.Axis(id); ok {
			l := axis.Limits
			limits = fmt.Sprintf("pos [%d, %d] vel %d acc %d torque %d", l.MinPosition, l.MaxPosition, l.MaxVelocity, l.MaxAcceleration, l.MaxTorque)
		} else if cfg.Haptic != nil && cfg.Haptic.Slave == id {
			limits = fmt.Sprintf("haptic, max force %v", cfg.Haptic.MaxForce)
		}
		renderTableRow(pdf, widths, []string{
			strconv.Itoa(id),
			s.Name,
			s.Kind.String(),
			strings.Join(startup, "\n"),
			limits,
		}, 5)
	}
	pdf.Ln(4)
}

func addSlavesSection(pdf *gofpdf.Fpdf, snapshot *telemetry.Snapshot) {
	addSectionTitle(pdf, "Slaves")
	headers := []string{"Id", "Name", "State", "Failures", "Working counter", "Mailbox timeouts"}
	widths := []float64{12, 36, 40, 24, 34, 34}
	addTableHeader(pdf, headers, widths)
	pdf.SetFont("Helvetica", "", 9)
	for _, s := range snapshot.Slaves {
		renderTableRow(pdf, widths, []string{
			strconv.Itoa(s.ID),
			s.Name,
			s.State,
			strconv.FormatUint(s.Health.TotalFailures, 10),
			strconv.FormatUint(s.Health.WorkingCounter, 10),
			strconv.FormatUint(s.Health.MailboxTimeouts, 10),
		}, 5)
	}
	pdf.Ln(4)
}

func addTimingSection(pdf *gofpdf.Fpdf, period time.Duration, stats timing.Stats) {
	addSectionTitle(pdf, "Timing")
	addItems(pdf, []item{
		{label: "Period", value: durationLabel(period)},
		{label: "Overruns", value: strconv.FormatUint(stats.Overruns, 10)},
		{label: "Missed releases", value: strconv.FormatUint(stats.Missed, 10)},
		{label: "Longest overrun streak", value: strconv.Itoa(stats.MaxStreak)},
	})

	headers := []string{"Series", "Min", "Mean", "Max"}
	widths := []float64{45, 45, 45, 45}
	addTableHeader(pdf, headers, widths)
	pdf.SetFont("Helvetica", "", 9)
	series := []struct {
		name    string
		summary timing.Summary
	}{
		{name: "Period", summary: stats.Period},
		{name: "Work", summary: stats.Work},
		{name: "Jitter", summary: stats.Jitter},
	}
	for _, s := range series {
		renderTableRow(pdf, widths, []string{
			s.name,
			s.summary.Min.String(),
			s.summary.Mean.String(),
			s.summary.Max.String(),
		}, 5)
	}
	pdf.Ln(4)
}

func addFaultsSection(pdf *gofpdf.Fpdf, rep Report) {
	addSectionTitle(pdf, "Faults")
	if rep.LastFault != nil {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.MultiCell(0, 5, fmt.Sprintf("Last demotion : %v ==> %v (%s)", rep.LastFault.From, rep.LastFault.To, rep.LastFault.Reason), "", "L", false)
		if rep.LastFault.Err != nil {
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, rep.LastFault.Err.Error(), "", "L", false)
		}
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 4, timeLabel(rep.LastFault.Time), "", "L", false)
		pdf.Ln(3)
	}

	if len(rep.Faults) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No safety fault recorded.", "", "L", false)
		return
	}

	headers := []string{"Cycle", "Raised", "Kind", "Slave", "Detail", "Cleared"}
	widths := []float64{18, 30, 30, 14, 60, 28}
	addTableHeader(pdf, headers, widths)
	pdf.SetFont("Helvetica", "", 9)
	for _, event := range rep.Faults {
		renderTableRow(pdf, widths, faultRow(event), 5)
	}
}

func faultRow(event safety.Event) []string {
	slave := "-"
	if event.Fault.Slave >= 0 {
		slave = strconv.Itoa(event.Fault.Slave)
	}
	cleared := "active"
	if !event.Cleared.IsZero() {
		cleared = event.Cleared.Format("15:04:05.000")
	}
	return []string{
		strconv.FormatUint(event.Cycle, 10),
		event.Time.Format("15:04:05.000"),
		event.Fault.Kind.String(),
		slave,
		emptyFallback(event.Fault.Detail, "-"),
		cleared,
	}
}

func addTableHeader(pdf *gofpdf.Fpdf, headers []string, widths []float64) {
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
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
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
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

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func durationLabel(d time.Duration) string {
	if d <= 0 {
		return "default"
	}
	return d.String()
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
