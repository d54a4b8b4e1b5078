package notify

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf/v2"
	"github.com/troikatech/callbridge/internal/records"
)

// RenderSummaryPDF renders the one-page call summary attached to e-mails and
// linked from WhatsApp messages.
func RenderSummaryPDF(rec *records.CallRecord) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Call Summary", true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 12, "Call Summary", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 11)
	field := func(label, value string) {
		if value == "" {
			return
		}
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(40, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 7, tr(value), "", "L", false)
	}
	field("Client", rec.ClientName)
	field("Call reference", rec.CallID)
	field("Date", rec.Timestamp.UTC().Format("2006-01-02 15:04 MST"))
	if rec.Insights.DurationSec > 0 {
		field("Duration", fmt.Sprintf("%dm %02ds", rec.Insights.DurationSec/60, rec.Insights.DurationSec%60))
	}
	field("Topics", strings.Join(rec.Insights.Topics, ", "))
	field("Follow-up", rec.FollowUpDate)
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 9, "Summary", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	summary := rec.Summary
	if summary == "" {
		summary = "No summary is available for this call."
	}
	pdf.MultiCell(0, 6, tr(summary), "", "L", false)

	pdf.SetFont("Helvetica", "I", 8)
	pdf.SetY(-15)
	pdf.CellFormat(0, 10, "Generated automatically after your call.", "", 0, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render summary pdf: %w", err)
	}
	return buf.Bytes(), nil
}
