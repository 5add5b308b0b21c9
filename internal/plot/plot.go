package plot

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"text/template"
	"time"

	"walt-sched/internal/database"
	"walt-sched/internal/logging"
	"walt-sched/internal/plot/mappings"
	"walt-sched/internal/plot/templates"

	"github.com/sirupsen/logrus"
)

type GroupBy string

const (
	GroupByCPU     GroupBy = "cpu"
	GroupByCluster GroupBy = "cluster"
)

type PlotOptions struct {
	RunID   string
	Field   string
	GroupBy GroupBy
	// IntervalMs averages samples into buckets of this width, 0 keeps every window
	IntervalMs  float64
	MinOverride *float64
	MaxOverride *float64
}

type TimeseriesPlotGenerator struct {
	source Source
	logger *logrus.Logger
	now    func() time.Time
}

func NewTimeseriesPlotGenerator(source Source) *TimeseriesPlotGenerator {
	return &TimeseriesPlotGenerator{
		source: source,
		logger: logging.GetLogger(),
		now:    time.Now,
	}
}

// Generate returns the tikz picture and the LaTeX figure wrapping it.
func (g *TimeseriesPlotGenerator) Generate(ctx context.Context, opts PlotOptions) (string, string, error) {
	if opts.GroupBy == "" {
		opts.GroupBy = GroupByCPU
	}
	if opts.GroupBy != GroupByCPU && opts.GroupBy != GroupByCluster {
		return "", "", fmt.Errorf("unknown grouping: %s", opts.GroupBy)
	}
	yMapping, ok := mappings.GetFieldMapping(opts.Field)
	if !ok || opts.Field == "time_ms" {
		return "", "", fmt.Errorf("unknown field: %s", opts.Field)
	}
	xMapping, _ := mappings.GetFieldMapping("time_ms")

	g.logger.WithFields(logrus.Fields{
		"run_id":   opts.RunID,
		"field":    opts.Field,
		"group_by": opts.GroupBy,
		"interval": opts.IntervalMs,
	}).Info("Generating timeseries plot")

	meta, err := g.source.QueryRun(ctx, opts.RunID)
	if err != nil {
		return "", "", fmt.Errorf("failed to query metadata: %w", err)
	}
	if opts.RunID == "" {
		opts.RunID = meta.RunID
	}

	points, err := g.source.QueryWindows(ctx, opts.RunID, opts.Field)
	if err != nil {
		return "", "", fmt.Errorf("failed to query windows: %w", err)
	}
	if len(points) == 0 {
		return "", "", fmt.Errorf("no data found for run %s and field %s", opts.RunID, opts.Field)
	}

	plotData := g.preparePlotData(meta, points, opts, xMapping, yMapping)
	plotOutput, err := render("plot", templates.PlotTemplate, plotData)
	if err != nil {
		return "", "", err
	}
	wrapperOutput, err := render("wrapper", templates.WrapperTemplate, g.prepareWrapperData(opts, yMapping))
	if err != nil {
		return "", "", err
	}

	g.logger.Info("Timeseries plot generated successfully")
	return plotOutput, wrapperOutput, nil
}

// PlotFileName is the name the wrapper expects the picture under.
func PlotFileName(runID, field string) string {
	return fmt.Sprintf("run-%s-%s.tikz", shortID(runID), field)
}

// WrapperFileName is the name of the LaTeX figure for a plot.
func WrapperFileName(runID, field string) string {
	return fmt.Sprintf("run-%s-%s.tex", shortID(runID), field)
}

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

func (g *TimeseriesPlotGenerator) preparePlotData(
	meta *database.RunMetadata,
	points []WindowPoint,
	opts PlotOptions,
	xMapping, yMapping mappings.FieldMapping,
) *templates.PlotData {
	origin := points[0].WindowStart
	for _, p := range points {
		if p.WindowStart < origin {
			origin = p.WindowStart
		}
	}

	series := make(map[int][]WindowPoint)
	for _, p := range points {
		key := p.CPU
		if opts.GroupBy == GroupByCluster {
			key = p.Cluster
		}
		series[key] = append(series[key], p)
	}
	var keys []int
	for k := range series {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	yMin, yMax := math.Inf(1), math.Inf(-1)
	xMin, xMax := math.Inf(1), math.Inf(-1)

	var plots []templates.PlotSeries
	for _, key := range keys {
		s := templates.PlotSeries{
			Index:       key,
			Style:       mappings.GetSeriesStyle(key).ToTikzOptions(),
			LegendEntry: fmt.Sprintf("%s %d", opts.GroupBy, key),
		}
		for _, p := range aggregate(series[key], origin, opts.IntervalMs) {
			x := float64(p.WindowStart-origin) / 1e6
			s.Coordinates = append(s.Coordinates, fmt.Sprintf("(%.3f,%.3f)", x, p.Value))
			xMin, xMax = math.Min(xMin, x), math.Max(xMax, x)
			yMin, yMax = math.Min(yMin, p.Value), math.Max(yMax, p.Value)
		}
		if len(s.Coordinates) > 0 {
			plots = append(plots, s)
		}
	}

	xMinStr, xMaxStr := determineAxisLimits(xMapping, nil, nil, xMin, xMax)
	yMinStr, yMaxStr := determineAxisLimits(yMapping, opts.MinOverride, opts.MaxOverride, yMin, yMax)

	return &templates.PlotData{
		GeneratedDate: g.now().Format("2006-01-02 15:04:05"),
		RunID:         opts.RunID,
		RunName:       meta.RunName,
		Description:   meta.Description,
		RunStarted:    meta.RunStarted,
		SimulatedMs:   meta.SimulatedMs,
		SimulatedCPUs: meta.SimulatedCPUs,
		WindowMs:      float64(meta.WindowNs) / 1e6,
		TraceChecksum: meta.TraceChecksum,
		DriverVersion: meta.DriverVersion,
		Hostname:      meta.Hostname,
		CPUModel:      meta.CPUModel,
		KernelVersion: meta.KernelVersion,
		Title:         yMapping.Label,
		XLabel:        xMapping.Label,
		YLabel:        yMapping.Label,
		Field:         opts.Field,
		GroupBy:       string(opts.GroupBy),
		XMin:          xMinStr,
		XMax:          xMaxStr,
		YMin:          yMinStr,
		YMax:          yMaxStr,
		Plots:         plots,
	}
}

// aggregate averages the points of one series per interval bucket. With
// no interval, points sharing a window start are averaged, which folds
// the CPUs of a cluster into one value.
func aggregate(points []WindowPoint, origin uint64, intervalMs float64) []WindowPoint {
	width := uint64(1)
	if intervalMs > 0 {
		width = uint64(intervalMs * 1e6)
	}

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[uint64]*bucket)
	for _, p := range points {
		key := (p.WindowStart - origin) / width
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.sum += p.Value
		b.count++
	}

	out := make([]WindowPoint, 0, len(buckets))
	for key, b := range buckets {
		out = append(out, WindowPoint{
			WindowStart: origin + key*width,
			CPU:         points[0].CPU,
			Cluster:     points[0].Cluster,
			Value:       b.sum / float64(b.count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart < out[j].WindowStart
	})
	return out
}

func determineAxisLimits(
	mapping mappings.FieldMapping,
	minOverride, maxOverride *float64,
	dataMin, dataMax float64,
) (string, string) {
	var minStr, maxStr string

	if minOverride != nil {
		minStr = fmt.Sprintf("%.2f", *minOverride)
	} else if minVal, ok := mapping.Min.(float64); ok {
		minStr = fmt.Sprintf("%.2f", minVal)
	} else if mapping.Min == "auto" {
		minStr = fmt.Sprintf("%.2f", dataMin*0.95)
	} else {
		minStr = "0"
	}

	if maxOverride != nil {
		maxStr = fmt.Sprintf("%.2f", *maxOverride)
	} else if maxVal, ok := mapping.Max.(float64); ok {
		maxStr = fmt.Sprintf("%.2f", maxVal)
	} else if mapping.Max == "auto" {
		if dataMax <= 0 {
			dataMax = 1
		}
		maxStr = fmt.Sprintf("%.2f", dataMax*1.05)
	} else {
		maxStr = "100"
	}

	return minStr, maxStr
}

func (g *TimeseriesPlotGenerator) prepareWrapperData(opts PlotOptions, yMapping mappings.FieldMapping) *templates.WrapperData {
	return &templates.WrapperData{
		GeneratedDate: g.now().Format("2006-01-02 15:04:05"),
		RunID:         opts.RunID,
		ShortID:       shortID(opts.RunID),
		Field:         opts.Field,
		PlotFileName:  PlotFileName(opts.RunID, opts.Field),
		ShortCaption:  yMapping.ShortLabel,
		Caption:       fmt.Sprintf("The %s per %s", yMapping.ShortLabel, opts.GroupBy),
	}
}

func render(name, text string, data interface{}) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return buf.String(), nil
}
