package lens

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
)

const (
	chartMaxProbes     = 10
	chartMaxTypes      = 8
	chartMaxLabelRunes = 42
	bottomTableMaxRows = 12
)

// chart color constants
var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)
var hotBarColor = charts.Color{R: 230, G: 110, B: 60, A: 255}
var typeBarColor = charts.Color{R: 70, G: 130, B: 200, A: 255}

// probeHits is a single charted probe.
type probeHits struct {
	label   string
	kind    ProbeKind
	total   int
	types   string
	preview string
}

type typeHits struct {
	name  string
	count int
}

// summarizeForCharts orders the probes by hits and sums the value types across all probes.
func summarizeForCharts(root string, events []Event) ([]probeHits, []typeHits) {
	probes := make([]probeHits, 0, len(events))
	typeCounts := make(map[string]int)
	for _, e := range events {
		label := e.Key().String()
		if root != "" {
			if rel, err := filepath.Rel(root, e.File); err == nil && !strings.HasPrefix(rel, "..") {
				label = fmt.Sprintf("%s:%d:%d", rel, e.StartLine, e.StartCol)
			}
		}
		if e.Kind == ProbeParameter && e.Name != "" {
			label += " (" + e.Name + ")"
		}
		ph := probeHits{
			label: truncateLabel(label),
			kind:  e.Kind,
			total: e.Total,
			types: strings.Trim(formatTypeCounts(e.AllValueTypes), "[]"),
		}
		if n := len(e.SampledValues); n > 0 {
			ph.preview = e.SampledValues[n-1].Preview
		} else if e.LastValue != nil {
			ph.preview = e.LastValue.Preview
		}
		probes = append(probes, ph)
		for typ, n := range e.AllValueTypes {
			typeCounts[typ] += n
		}
	}
	slices.SortStableFunc(probes, func(a, b probeHits) int {
		if c := cmp.Compare(b.total, a.total); c != 0 {
			return c
		}
		return strings.Compare(a.label, b.label)
	})

	types := make([]typeHits, 0, len(typeCounts))
	for _, name := range bulk.MapKeysSlice(typeCounts) {
		types = append(types, typeHits{name: name, count: typeCounts[name]})
	}
	slices.SortFunc(types, func(a, b typeHits) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return probes, types
}

func truncateLabel(label string) string {
	runes := []rune(label)
	if len(runes) <= chartMaxLabelRunes {
		return label
	}
	return ".." + string(runes[len(runes)-chartMaxLabelRunes+2:])
}

// WriteChartsReport renders a summary of the events into an image, the format is selected by the file extension.
func WriteChartsReport(path, title, root string, events []Event) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       1280,
	}
	if buf, err := renderReportCharts(painterOpt, title, root, events); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderReportCharts(painterOpt charts.PainterOptions, title, root string, events []Event) ([]byte, error) {
	probes, types := summarizeForCharts(root, events)
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, title, probes, types); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a smaller painter to better fit the charts
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, title, probes, types); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func barChartHeight(bars int) int {
	return 64 + 26*bars
}

func renderChartsToPainter(p *charts.Painter, title string, probes []probeHits, types []typeHits) (charts.Box, error) {
	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	var hitSum int
	for _, ph := range probes {
		hitSum += ph.total
	}
	if title == "" {
		title = "lenstrace"
	}
	title += " (" + strconv.Itoa(len(probes)) + " probes, " +
		charts.FormatValueHumanize(float64(hitSum), 0, false) + " values)"
	titleBox := p.MeasureText(title, 0, titleFont)
	titleBottom := titleBox.Height()
	resultBox.Bottom += titleBottom

	if len(probes) == 0 {
		text := "No Probe Values Recorded"
		p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
		textBox := p.MeasureText(text, 0, titleFont)
		p.Text(text, (p.Width()-textBox.Width())/2, titleBottom+textBox.Height()*2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 3
		return resultBox, nil
	}

	hot := probes[:min(len(probes), chartMaxProbes)]
	topTypes := types[:min(len(types), chartMaxTypes)]
	painters, err := p.LayoutByRows().
		RowGap(strconv.Itoa(titleBottom)).
		Row().Height(strconv.Itoa(barChartHeight(len(hot)))).Columns("hot").
		Row().Height(strconv.Itoa(barChartHeight(len(topTypes)))).Columns("types").
		Row().Columns("bottom"). // single large painter at the bottom with all remaining space
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	hotPainter := painters["hot"]
	typesPainter := painters["types"]
	bottom := painters["bottom"]

	barTheme := func(c charts.Color) charts.ColorPalette {
		return charts.GetTheme(charts.ThemeLight).
			WithBackgroundColor(charts.ColorTransparent).
			WithSeriesColors([]charts.Color{c})
	}

	// bars are drawn from the bottom up, reverse so the highest count is on top
	hotValues := make([]float64, len(hot))
	hotLabels := make([]string, len(hot))
	var hotMax int
	for i, ph := range hot {
		hotValues[len(hot)-1-i] = float64(ph.total)
		hotLabels[len(hot)-1-i] = ph.label
		hotMax = max(hotMax, ph.total)
	}
	hotOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{hotValues})
	hotOpt.Theme = barTheme(hotBarColor)
	hotOpt.Title.Text = "Hottest Probes"
	hotOpt.XAxis.Unit = axisUnitForMax(hotMax)
	hotOpt.YAxis.Labels = hotLabels
	hotOpt.BarHeight = 18
	hotOpt.SeriesList[0].Label.Show = charts.Ptr(true)
	hotOpt.SeriesList[0].Label.ValueFormatter = func(f float64) string {
		return charts.FormatValueHumanize(f, 0, false)
	}
	if err := hotPainter.HorizontalBarChart(hotOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	typeValues := make([]float64, len(topTypes))
	typeLabels := make([]string, len(topTypes))
	var typeMax int
	for i, th := range topTypes {
		typeValues[len(topTypes)-1-i] = float64(th.count)
		typeLabels[len(topTypes)-1-i] = truncateLabel(th.name)
		typeMax = max(typeMax, th.count)
	}
	typesOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{typeValues})
	typesOpt.Theme = barTheme(typeBarColor)
	typesOpt.Title.Text = "Value Types"
	typesOpt.XAxis.Unit = axisUnitForMax(typeMax)
	typesOpt.YAxis.Labels = typeLabels
	typesOpt.BarHeight = hotOpt.BarHeight
	typesOpt.SeriesList[0].Label.Show = charts.Ptr(true)
	typesOpt.SeriesList[0].Label.ValueFormatter = func(f float64) string {
		return charts.FormatValueHumanize(100.0*f/float64(hitSum), 1, false) + "%"
	}
	if err := typesPainter.HorizontalBarChart(typesOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}
	resultBox.Bottom += hotPainter.Height() + typesPainter.Height()

	rows := make([][]string, 0, bottomTableMaxRows)
	for _, ph := range probes[:min(len(probes), bottomTableMaxRows)] {
		preview := ph.preview
		if len(preview) > 40 {
			preview = preview[:38] + ".."
		}
		rows = append(rows, []string{ph.label, string(ph.kind), strconv.Itoa(ph.total), ph.types, preview})
	}
	tableTitle := "Probe Details"
	tableTitleFont := charts.FontStyle{
		FontSize:  12,
		FontColor: hotOpt.Theme.GetTitleTextColor(),
		Font:      charts.GetDefaultFont(),
	}
	tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
	bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
	rowColors := []charts.Color{
		{R: 240, G: 240, B: 240, A: 255},
		charts.ColorTransparent,
	}
	if len(rows)%2 == 0 {
		// reverse row colors so table end is opposite of transparent
		rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
	}
	defaultCellFontStyle := charts.FontStyle{
		FontSize:  10,
		FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
		Font:      charts.GetDefaultFont(),
	}
	bottomOpt := charts.TableChartOption{
		Header:                []string{"Location", "Kind", "Hits", "Types", "Latest"},
		Data:                  rows,
		HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
		RowBackgroundColors:   rowColors,
		Padding:               charts.NewBoxEqual(8),
		Spans:                 []int{26, 5, 6, 16, 20},
		TextAligns:            []string{charts.AlignLeft, charts.AlignCenter, charts.AlignCenter, charts.AlignLeft, charts.AlignLeft},
		CellModifier: func(cell charts.TableCell) charts.TableCell {
			if cell.Row == 0 {
				return cell
			}
			cell.FontStyle = defaultCellFontStyle // reset on each call to prevent prior changes persisting

			switch cell.Column {
			case 2: // hit count relative to the hottest probe
				hits, _ := strconv.Atoi(cell.Text)
				if hits*2 >= hotMax {
					cell.FontStyle.FontColor = redTextColor
				} else if hits*10 >= hotMax {
					cell.FontStyle.FontColor = orangeTextColor
				} else {
					cell.FontStyle.FontColor = greenTextColor
				}
			case 3, 4:
				cell.FontStyle.FontSize = 8
			}
			return cell
		},
	}
	tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
	if err := tablePainter.TableChart(bottomOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering table: %w", err)
	}
	// re-render just so we can calculate the height of the table, currently charts does not return the table sizes
	bottomOpt.Width = bottom.Width()
	if tp, _ := charts.TableOptionRenderDirect(bottomOpt); tp != nil {
		resultBox.Bottom += tableTitleBox.Height() + tp.Height()
	} else {
		resultBox.Bottom += bottom.Height()
	}

	// title rendered after the charts to ensure it does not get clipped
	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return resultBox, nil
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
