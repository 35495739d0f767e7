package report

import (
	"html/template"
	"io"
)

var summaryTmpl = template.Must(template.New("summary").Funcs(template.FuncMap{
	"f4": func(v float64) string { return dec(v).StringFixed(4) },
}).Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Kairos Summary {{.Meta.RunID}}</title>
  <style>
    body { font-family: Arial, sans-serif; margin: 24px; }
    table { border-collapse: collapse; margin-bottom: 16px; }
    td, th { border: 1px solid #ddd; padding: 8px; }
    th { text-align: left; }
  </style>
</head>
<body>
  <h1>Kairos Summary</h1>
  <h2>Run</h2>
  <table>
    <tr><th>run_id</th><td>{{.Meta.RunID}}</td></tr>
    <tr><th>symbol</th><td>{{.Meta.Symbol}}</td></tr>
    <tr><th>timeframe</th><td>{{.Meta.Timeframe}}</td></tr>
    <tr><th>strategy</th><td>{{.Meta.Strategy}}</td></tr>
    <tr><th>state</th><td>{{.Meta.State}}</td></tr>
    <tr><th>start</th><td>{{.Meta.Start}}</td></tr>
    <tr><th>end</th><td>{{.Meta.End}}</td></tr>
{{- if .Meta.Halted}}
    <tr><th>halted</th><td>drawdown limit reached</td></tr>
{{- end}}
{{- if .Meta.Error}}
    <tr><th>error</th><td>{{.Meta.Error}}</td></tr>
{{- end}}
  </table>
  <h2>Metrics</h2>
  <table>
    <tr><th>bars_processed</th><td>{{.BarsProcessed}}</td></tr>
    <tr><th>trades</th><td>{{.Trades}}</td></tr>
    <tr><th>win_rate</th><td>{{f4 .WinRate}}</td></tr>
    <tr><th>net_profit</th><td>{{f4 .NetProfit}}</td></tr>
    <tr><th>sharpe</th><td>{{f4 .Sharpe}}</td></tr>
    <tr><th>max_drawdown</th><td>{{f4 .MaxDrawdown}}</td></tr>
  </table>
</body>
</html>
`))

// WriteSummaryHTML renders doc as a standalone HTML page.
func WriteSummaryHTML(w io.Writer, doc SummaryDoc) error {
	return summaryTmpl.Execute(w, doc)
}
