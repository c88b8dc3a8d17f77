package cmd

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

// inspectCmd renders a live terminal dashboard polling a running fabric's
// /metrics endpoint, for operators who want a glance at queue pressure and
// context churn without scripting against the HTTP control surface.
func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Live dashboard of a running fabric's metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics_addr",
				Usage: "Address of the fabric's /metrics endpoint",
				Value: "localhost:9090",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Poll interval",
				Value: time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			return runInspect(c.String("metrics_addr"), c.Duration("interval"))
		},
	}
}

func runInspect(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("inspect: init terminal: %w", err)
	}
	defer ui.Close()

	summary := widgets.NewParagraph()
	summary.Title = "vmci fabric — " + addr
	summary.SetRect(0, 0, 60, 8)

	gauge := widgets.NewGauge()
	gauge.Title = "datagram queue pressure"
	gauge.SetRect(0, 8, 60, 11)
	gauge.BarColor = ui.ColorGreen

	ui.Render(summary, gauge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()
	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			snap, err := fetchSnapshot(addr)
			if err != nil {
				summary.Text = fmt.Sprintf("fetch error: %v", err)
				ui.Render(summary)
				continue
			}
			summary.Text = fmt.Sprintf(
				"contexts active:  %.0f\ndatagrams queued:  %.0f bytes\nqueue pairs:       %.0f ops\ncontrol requests:  %.0f",
				snap["fabric_contexts_active"],
				snap["fabric_datagram_queue_bytes"],
				snap["fabric_queuepair_operations_total"],
				snap["fabric_control_request_duration_seconds_count"],
			)
			pct := int(snap["fabric_datagram_queue_bytes"] / (256 * 1024) * 100)
			if pct > 100 {
				pct = 100
			}
			gauge.Percent = pct
			ui.Render(summary, gauge)
		}
	}
}

// fetchSnapshot scrapes addr's Prometheus text exposition format and sums
// each metric family's sample values — enough for a glance dashboard
// without pulling in a full client-side Prometheus parser.
func fetchSnapshot(addr string) (map[string]float64, error) {
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := make(map[string]float64)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := fields[0]
		if idx := strings.IndexByte(name, '{'); idx >= 0 {
			name = name[:idx]
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		out[name] += val
	}
	return out, scanner.Err()
}
