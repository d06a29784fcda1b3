// residual-plot renders a sensor's AdaKF offset and residual history from
// a frame database to a PNG, for offline tuning of the estimator.
package main

import (
	"flag"
	"image/color"
	"log"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/carla-syncer/internal/framedb"
)

var (
	dbPath   = flag.String("db", "frames.db", "Frame database path")
	sensorID = flag.String("sensor", "", "Sensor ID to plot (required)")
	out      = flag.String("out", "residuals.png", "Output PNG path")
	limit    = flag.Int("limit", 2000, "Max samples to plot")
)

func main() {
	flag.Parse()
	if *sensorID == "" {
		log.Fatal("residual-plot requires -sensor <id>")
	}

	db, err := framedb.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *dbPath, err)
	}
	defer db.Close()

	if err := db.UseLatestRun(); err != nil {
		log.Fatalf("failed to select run: %v", err)
	}

	history, err := db.OffsetHistory(*sensorID, *limit)
	if err != nil {
		log.Fatalf("failed to query offsets: %v", err)
	}
	if len(history) == 0 {
		log.Fatalf("no offset history for sensor %s in run %s", *sensorID, db.RunID())
	}

	offsetPts := make(plotter.XYs, len(history))
	residualPts := make(plotter.XYs, len(history))
	for i, s := range history {
		offsetPts[i] = plotter.XY{X: s.TSync, Y: s.Offset * 1000}
		residualPts[i] = plotter.XY{X: s.TSync, Y: s.Residual * 1000}
	}

	p := plot.New()
	p.Title.Text = "AdaKF offset: " + *sensorID
	p.X.Label.Text = "t_sync (s)"
	p.Y.Label.Text = "ms"

	offsetLine, err := plotter.NewLine(offsetPts)
	if err != nil {
		log.Fatalf("failed to build offset line: %v", err)
	}
	offsetLine.Width = vg.Points(1)
	offsetLine.Color = color.RGBA{B: 255, A: 255}

	residualLine, err := plotter.NewLine(residualPts)
	if err != nil {
		log.Fatalf("failed to build residual line: %v", err)
	}
	residualLine.Width = vg.Points(1)
	residualLine.Color = color.RGBA{R: 255, A: 255}

	p.Add(offsetLine, residualLine)
	p.Legend.Add("offset_ms", offsetLine)
	p.Legend.Add("residual_ms", residualLine)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, *out); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	log.Printf("wrote %s (%d samples, run %s)", *out, len(history), db.RunID())
}
