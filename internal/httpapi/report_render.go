package httpapi

import (
	"bytes"
	"encoding/csv"
	"html/template"
	"strconv"

	"tokopos/backend/internal/domain"
)

func dailyReportToCSV(rows []domain.DailySalesRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"date", "transactions", "total_sales", "total_refunds", "total_discounts", "total_tax"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.Date,
			strconv.FormatInt(row.TotalTransactions, 10),
			row.TotalSales.StringFixed(2),
			row.TotalRefunds.StringFixed(2),
			row.TotalDiscounts.StringFixed(2),
			row.TotalTax.StringFixed(2),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// html/template auto-escapes every interpolated value, so branch names and
// date strings are safe to render as-is.
var dailyReportTmpl = template.Must(template.New("daily").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Daily Sales Report</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: right; }
th:first-child, td:first-child { text-align: left; }
th { background: #f5f5f5; }
@media print { body { margin: 0; } }
</style>
</head>
<body>
<h2>Daily Sales Report {{if .BranchID}}&mdash; {{.BranchID}}{{end}}</h2>
<table>
<thead>
<tr><th>Date</th><th>Transactions</th><th>Sales</th><th>Refunds</th><th>Discounts</th><th>Tax</th></tr>
</thead>
<tbody>
{{range .Rows}}<tr>
<td>{{.Date}}</td>
<td>{{.TotalTransactions}}</td>
<td>{{.TotalSales.StringFixed 2}}</td>
<td>{{.TotalRefunds.StringFixed 2}}</td>
<td>{{.TotalDiscounts.StringFixed 2}}</td>
<td>{{.TotalTax.StringFixed 2}}</td>
</tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

func dailyReportToPrintableHTML(branchID string, rows []domain.DailySalesRow) ([]byte, error) {
	var buf bytes.Buffer
	err := dailyReportTmpl.Execute(&buf, struct {
		BranchID string
		Rows     []domain.DailySalesRow
	}{BranchID: branchID, Rows: rows})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
