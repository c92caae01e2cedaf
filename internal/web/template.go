package web

import (
	"fmt"
	"html/template"
	"io"
	"math"
	"strings"
	"time"

	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
)

var pageFuncs = template.FuncMap{
	"uptime": formatUptime,
	"target": func(s *scheduling.TargetState) string {
		if s == nil {
			return "undecided"
		}
		return s.String()
	},
	"num": func(v float64, unit string) string {
		if math.IsNaN(v) {
			return "n/a"
		}
		return fmt.Sprintf("%.2f%s", v, unit)
	},
	"clock": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
	"link": func(connected bool) string {
		if connected {
			return "connected"
		}
		return "disconnected"
	},
	"actuator": func(open bool) string {
		if open {
			return "open"
		}
		return "closed"
	},
}

var pageTmpl = template.Must(template.New("page").Funcs(pageFuncs).Parse(pageHTML))

// formatUptime renders d as "3d 4h 5m 6s", leaving out leading zero units.
func formatUptime(d time.Duration) string {
	total := int64(d / time.Second)
	units := []struct {
		suffix string
		size   int64
	}{{"d", 86400}, {"h", 3600}, {"m", 60}, {"s", 1}}

	var parts []string
	for _, u := range units {
		n := total / u.size
		total %= u.size
		if n == 0 && len(parts) == 0 && u.size > 1 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d%s", n, u.suffix))
	}
	return strings.Join(parts, " ")
}

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="30">
<title>{{.Config.Instance}} | Farm Controller</title>
<style>
body { font: 14px/1.4 system-ui, sans-serif; margin: 1.5em auto; max-width: 820px; padding: 0 1em; color: #222; }
section { border: 1px solid #cfd8c4; border-radius: 6px; margin: 1em 0; padding: 0.5em 1em; }
section h2 { margin: 0.2em 0 0.5em; font-size: 1.1em; }
dl { display: grid; grid-template-columns: 12em 1fr; gap: 2px 1em; margin: 0; }
dt { color: #556; }
dd { margin: 0; font-family: monospace; }
.open, .connected { color: #2e7d32; font-weight: bold; }
.closed { color: #777; }
.fault, .disconnected { color: #c62828; font-weight: bold; }
footer { color: #777; font-size: 0.9em; }
</style>
</head>
<body>
<h1>Farm Controller: {{.Config.Instance}}</h1>

{{range .Controllers}}
<section>
<h2>{{.Name}} ({{.Kind}})</h2>
<dl>
<dt>Actuator</dt><dd class="{{actuator .Open}}">{{actuator .Open}}</dd>
<dt>Target</dt><dd>{{target .Target}}</dd>
{{- if .Override}}
<dt>Override</dt><dd>{{.Override.State}} until {{clock .Override.Until}}</dd>
{{- end}}
<dt>Ticks</dt><dd>last {{clock .LastTick}}, next {{clock .NextTick}}</dd>
{{- with .Irrigation}}
<dt>Irrigation</dt><dd{{if eq .State.String "fault"}} class="fault"{{end}}>{{.State}}</dd>
<dt>Moisture</dt><dd>{{num .Moisture "%"}} (raw {{num .RawMoisture "%"}}, slope {{num .Slope " %/min"}})</dd>
<dt>Soil model</dt><dd>gain {{num .Gain " %/L"}}, dead time {{.DeadTime}}, tau {{.Tau}}</dd>
<dt>Last pulse</dt><dd>{{num .LastVolumeDelivered " L"}} of {{num .LastVolumePlanned " L"}}</dd>
<dt>Water today</dt><dd>{{num .TotalVolume " L"}} over {{.TotalCycles}} cycles</dd>
{{- end}}
{{- with .TempCoefficient}}
<dt>Temperature drift</dt><dd>{{num . " %/°C"}}</dd>
{{- end}}
{{- with .Door}}
<dt>Light</dt><dd>{{num .Light " lux"}}</dd>
<dt>Committed / pending</dt><dd>{{target .Committed}} / {{target .Pending}}</dd>
{{- end}}
{{- if .LastError}}
<dt>Error</dt><dd class="fault">{{.LastError}}</dd>
{{- end}}
</dl>
</section>
{{else}}
<p>No controllers reported yet.</p>
{{end}}

<section>
<h2>Site</h2>
<dl>
<dt>MQTT</dt><dd class="{{link .MQTTConnected}}">{{link .MQTTConnected}} ({{.Config.Broker}})</dd>
{{- with .Network}}
<dt>Network</dt><dd>{{.Status}} via {{.Type}}{{if .SSID}} "{{.SSID}}"{{end}}, {{.IP}}</dd>
{{- end}}
<dt>Up</dt><dd>{{uptime .Uptime}} since {{clock .StartTime}}</dd>
<dt>Database</dt><dd>{{.Config.Database}}</dd>
</dl>
</section>

<footer>{{.Config.Version}} on {{.Config.HTTPAddr}} | <a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></footer>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	page := struct {
		status.Snapshot
		Uptime time.Duration
	}{snap, snap.Uptime()}
	return pageTmpl.Execute(w, page)
}
