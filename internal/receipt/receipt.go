// Package receipt renders purchase receipts as PDF.
package receipt

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

var (
	colorPrimary = [3]int{30, 58, 95}
	colorMuted   = [3]int{127, 140, 141}
	colorRowAlt  = [3]int{241, 245, 249}
)

// Data is everything printed on a receipt. Amounts are preformatted.
type Data struct {
	PurchaseID    string
	IssuedAt      time.Time
	CustomerEmail string
	Item          string
	Credits       int64
	BonusCredits  int64
	Original      string
	Discount      string
	Total         string
	Charged       string
	Provider      string
	ExternalRef   string
}

type row struct {
	label, value string
}

func (d Data) rows() []row {
	rows := []row{
		{"Item", d.Item},
		{"Credits", fmt.Sprintf("%d", d.Credits)},
	}
	if d.BonusCredits > 0 {
		rows = append(rows, row{"Bonus credits", fmt.Sprintf("%d", d.BonusCredits)})
	}
	rows = append(rows, row{"Price", d.Original})
	if d.Discount != "" {
		rows = append(rows, row{"Discount", "-" + d.Discount})
	}
	rows = append(rows, row{"Total", d.Total})
	if d.Charged != "" && d.Charged != d.Total {
		rows = append(rows, row{"Charged", d.Charged})
	}
	return rows
}

// Render produces a one page A4 receipt.
func Render(d Data) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.SetTitle("Receipt "+d.PurchaseID, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 12, "PROMPTOR", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorMuted[0], colorMuted[1], colorMuted[2])
	pdf.CellFormat(0, 7, "Payment receipt", "", 1, "L", false, 0, "")
	pdf.Ln(6)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Arial", "", 10)
	meta := []row{
		{"Receipt", d.PurchaseID},
		{"Date", d.IssuedAt.UTC().Format("2006-01-02 15:04 MST")},
		{"Billed to", d.CustomerEmail},
	}
	if d.Provider != "" {
		meta = append(meta, row{"Paid via", d.Provider})
	}
	if d.ExternalRef != "" {
		meta = append(meta, row{"Reference", d.ExternalRef})
	}
	for _, r := range meta {
		pdf.CellFormat(35, 6, r.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, tr(r.value), "", 1, "L", false, 0, "")
	}
	pdf.Ln(8)

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(90, 8, "Description", "", 0, "L", true, 0, "")
	pdf.CellFormat(0, 8, "Value", "", 1, "R", true, 0, "")

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFillColor(colorRowAlt[0], colorRowAlt[1], colorRowAlt[2])
	for i, r := range d.rows() {
		style := ""
		if r.label == "Total" {
			style = "B"
		}
		pdf.SetFont("Arial", style, 11)
		fill := i%2 == 1
		pdf.CellFormat(90, 8, r.label, "", 0, "L", fill, 0, "")
		pdf.CellFormat(0, 8, tr(r.value), "", 1, "R", fill, 0, "")
	}

	pdf.Ln(10)
	pdf.SetFont("Arial", "I", 9)
	pdf.SetTextColor(colorMuted[0], colorMuted[1], colorMuted[2])
	pdf.MultiCell(0, 5, "Credits are added to your balance once the payment is confirmed. Keep this receipt for your records.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	return buf.Bytes(), nil
}
