package visualization

import (
	"fmt"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveDiceChart renders a bar chart of per-class Dice scores to path. The
// image format follows the file extension (png, svg, pdf, ...).
func SaveDiceChart(dice []float64, title, path string) error {
	if len(dice) == 0 {
		return fmt.Errorf("no Dice scores to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Class"
	p.Y.Label.Text = "Dice"
	p.Y.Min = 0
	p.Y.Max = 1

	bars, err := plotter.NewBarChart(plotter.Values(dice), vg.Points(16))
	if err != nil {
		return fmt.Errorf("error building bar chart: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)

	names := make([]string, len(dice))
	for i := range dice {
		names[i] = strconv.Itoa(i)
	}
	p.NominalX(names...)

	width := vg.Length(len(dice))*vg.Points(24) + 2*vg.Inch
	if err := p.Save(width, 3*vg.Inch, path); err != nil {
		return fmt.Errorf("error saving chart: %w", err)
	}
	return nil
}
