package http

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/samber/lo"
	"github.com/xuri/excelize/v2"

	alarms "iot-alerting/internal/alarms/domain"
)

// BuildAlarmReportPDF renders an alarm and its delivery history.
func BuildAlarmReportPDF(alarm *alarms.Alarm, notifications []alarms.Notification, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Alarm "+alarm.ID, true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(0, 8, "Alarm Report")
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 10)
	line := func(label, value string) {
		if value == "" {
			return
		}
		pdf.CellFormat(35, 6, label, "", 0, "L", false, 0, "")
		pdf.MultiCell(0, 6, tr(value), "", "L", false)
	}
	line("Alarm", alarm.ID)
	line("Tenant", alarm.TenantID)
	line("Device", alarm.DeviceID)
	line("Rule", alarm.RuleID)
	line("Source", alarm.Source)
	line("Severity", string(alarm.Severity))
	line("Status", string(alarm.Status))
	line("Message", alarm.Message)
	line("Fired", formatTime(alarm.FiredAt))
	if !alarm.AckedAt.IsZero() {
		line("Acknowledged", fmt.Sprintf("%s by %s", formatTime(alarm.AckedAt), alarm.AckedBy))
	}
	if !alarm.ClearedAt.IsZero() {
		line("Cleared", formatTime(alarm.ClearedAt))
	}
	line("Generated", formatTime(generatedAt))

	if len(alarm.MetricSnapshot) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, "Metric snapshot")
		pdf.Ln(7)
		pdf.SetFont("Arial", "", 10)
		metrics := make([]string, 0, len(alarm.MetricSnapshot))
		for metric := range alarm.MetricSnapshot {
			metrics = append(metrics, metric)
		}
		sort.Strings(metrics)
		for _, metric := range metrics {
			pdf.CellFormat(60, 6, tr(metric), "1", 0, "L", false, 0, "")
			pdf.CellFormat(40, 6, fmt.Sprintf("%g", alarm.MetricSnapshot[metric]), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Notifications (%d)", len(notifications)))
	pdf.Ln(7)
	widths := []float64{22, 55, 20, 30, 15, 48}
	for i, header := range []string{"Channel", "Recipient", "Status", "Delivery", "Retries", "Last error / skip"} {
		pdf.CellFormat(widths[i], 6, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, n := range notifications {
		note := n.LastError
		if n.SkipReason != "" {
			note = n.SkipReason
		}
		cells := []string{
			string(n.ChannelType),
			truncate(n.Recipient, 34),
			string(n.Status),
			string(n.DeliveryStatus),
			fmt.Sprintf("%d/%d", n.RetryCount, n.MaxRetries),
			truncate(note, 30),
		}
		for i, cell := range cells {
			pdf.CellFormat(widths[i], 6, tr(cell), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildDeliveryExportXLSX renders notifications of a period with a per-status summary sheet.
func BuildDeliveryExportXLSX(tenantID string, notifications []alarms.Notification, from, to time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	summarySheet := "summary"
	rowsSheet := "notifications"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(rowsSheet); err != nil {
		return nil, err
	}

	statuses := []alarms.NotificationStatus{
		alarms.NotificationPending,
		alarms.NotificationSending,
		alarms.NotificationSent,
		alarms.NotificationFailed,
		alarms.NotificationBounced,
		alarms.NotificationSkipped,
	}
	summary := [][]any{
		{"Notification Delivery Export"},
		{},
		{"Tenant", tenantID},
		{"From", formatTime(from)},
		{"To", formatTime(to)},
		{"Total", len(notifications)},
		{"Retries", lo.SumBy(notifications, func(n alarms.Notification) int { return n.RetryCount })},
		{},
		{"Status", "Count"},
	}
	for _, status := range statuses {
		count := lo.CountBy(notifications, func(n alarms.Notification) bool { return n.Status == status })
		summary = append(summary, []any{string(status), count})
	}
	if err := setRows(f, summarySheet, summary); err != nil {
		return nil, err
	}

	header := []any{"Created", "Alarm", "Channel", "Type", "Recipient", "Status", "Delivery", "Retries", "Sent", "Last error", "Skip reason"}
	if err := f.SetSheetRow(rowsSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, n := range notifications {
		row := []any{
			formatTime(n.CreatedAt),
			n.AlarmID,
			n.ChannelID,
			string(n.ChannelType),
			n.Recipient,
			string(n.Status),
			string(n.DeliveryStatus),
			n.RetryCount,
			formatTime(n.SentAt),
			n.LastError,
			n.SkipReason,
		}
		if err := f.SetSheetRow(rowsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func truncate(value string, n int) string {
	runes := []rune(value)
	if len(runes) <= n {
		return value
	}
	return string(runes[:n-1]) + "~"
}

// setRows writes rows from A1 down, leaving empty rows blank.
func setRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return fmt.Errorf("export sheet %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
