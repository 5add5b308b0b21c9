package mappings

type FieldMapping struct {
	Field      string
	Label      string
	ShortLabel string
	// Min and Max are a float64 bound, "auto" or nil for 0 and 100
	Min interface{}
	Max interface{}
}

var FieldMappings = map[string]FieldMapping{
	"util": {
		Field:      "util",
		Label:      "CPU utilisation (capacity units)",
		ShortLabel: "Utilisation",
		Min:        0.0,
		Max:        1024.0,
	},
	"nl": {
		Field:      "nl",
		Label:      "New-task load (capacity units)",
		ShortLabel: "New-task load",
		Min:        0.0,
		Max:        "auto",
	},
	"pl": {
		Field:      "pl",
		Label:      "Predicted load (capacity units)",
		ShortLabel: "Predicted load",
		Min:        0.0,
		Max:        "auto",
	},
	"freq_khz": {
		Field:      "freq_khz",
		Label:      "Requested frequency (kHz)",
		ShortLabel: "Frequency",
		Min:        "auto",
		Max:        "auto",
	},
	"prev_runnable_sum": {
		Field:      "prev_runnable_sum",
		Label:      "Busy time in previous window (ns)",
		ShortLabel: "Previous window busy time",
		Min:        0.0,
		Max:        "auto",
	},
	"nt_prev_runnable_sum": {
		Field:      "nt_prev_runnable_sum",
		Label:      "Non-interactive busy time in previous window (ns)",
		ShortLabel: "Non-interactive busy time",
		Min:        0.0,
		Max:        "auto",
	},
	"grp_prev_runnable_sum": {
		Field:      "grp_prev_runnable_sum",
		Label:      "Related group busy time in previous window (ns)",
		ShortLabel: "Group busy time",
		Min:        0.0,
		Max:        "auto",
	},
	"cumulative_runnable_avg": {
		Field:      "cumulative_runnable_avg",
		Label:      "Runnable demand (capacity units)",
		ShortLabel: "Runnable demand",
		Min:        0.0,
		Max:        "auto",
	},
	"nr_running": {
		Field:      "nr_running",
		Label:      "Runnable tasks",
		ShortLabel: "Runnable tasks",
		Min:        0.0,
		Max:        "auto",
	},
	"nr_big_tasks": {
		Field:      "nr_big_tasks",
		Label:      "Big tasks",
		ShortLabel: "Big tasks",
		Min:        0.0,
		Max:        "auto",
	},
	"time_ms": {
		Field:      "time_ms",
		Label:      "Time (ms)",
		ShortLabel: "Time",
		Min:        0.0,
		Max:        "auto",
	},
}

func GetFieldMapping(field string) (FieldMapping, bool) {
	m, ok := FieldMappings[field]
	return m, ok
}

type PlotStyle struct {
	Color       string
	LineStyle   string
	LineWidth   string
	Mark        string
	MarkOptions string
}

var SeriesStyles = []PlotStyle{
	{Color: "red", LineStyle: "dotted", LineWidth: "thick", Mark: "triangle*", MarkOptions: "scale=0.5,fill=red"},
	{Color: "blue", LineStyle: "densely dashed", LineWidth: "thick", Mark: "square", MarkOptions: "scale=0.3"},
	{Color: "green!70!black", LineStyle: "densely dotted", LineWidth: "thick", Mark: "*", MarkOptions: "scale=0.3,fill=green!70!black"},
	{Color: "orange", LineStyle: "dashdotted", LineWidth: "thick", Mark: "diamond*", MarkOptions: "scale=0.5,fill=orange"},
	{Color: "purple", LineStyle: "loosely dotted", LineWidth: "thick", Mark: "pentagon*", MarkOptions: "scale=0.5,fill=purple"},
	{Color: "brown", LineStyle: "densely dashed", LineWidth: "thick", Mark: "x", MarkOptions: "scale=0.5"},
	{Color: "black", LineStyle: "densely dotted", LineWidth: "thick", Mark: "o", MarkOptions: "scale=0.3"},
	{Color: "cyan", LineStyle: "solid", LineWidth: "thick", Mark: "pentagon", MarkOptions: "scale=0.5"},

	// solid variants once the first eight are used up
	{Color: "magenta", LineStyle: "solid", LineWidth: "thick", Mark: "star", MarkOptions: "scale=0.5,fill=magenta"},
	{Color: "red!70!black", LineStyle: "solid", LineWidth: "thick", Mark: "triangle*", MarkOptions: "scale=0.5,fill=red!70!black"},
	{Color: "blue!70!black", LineStyle: "solid", LineWidth: "thick", Mark: "square", MarkOptions: "scale=0.3"},
	{Color: "teal", LineStyle: "solid", LineWidth: "thick", Mark: "*", MarkOptions: "scale=0.5,fill=teal"},
	{Color: "violet", LineStyle: "solid", LineWidth: "thick", Mark: "diamond*", MarkOptions: "scale=0.5,fill=violet"},
	{Color: "olive", LineStyle: "solid", LineWidth: "thick", Mark: "pentagon*", MarkOptions: "scale=0.5,fill=olive"},
	{Color: "pink", LineStyle: "solid", LineWidth: "thick", Mark: "triangle", MarkOptions: "scale=0.5,fill=pink"},
	{Color: "lime", LineStyle: "solid", LineWidth: "thick", Mark: "square", MarkOptions: "scale=0.3"},
}

func GetSeriesStyle(index int) PlotStyle {
	if index < 0 {
		index = 0
	}
	return SeriesStyles[index%len(SeriesStyles)]
}

func (ps PlotStyle) ToTikzOptions() string {
	options := ps.Color
	if ps.LineStyle != "" {
		options += "," + ps.LineStyle
	}
	if ps.LineWidth != "" {
		options += "," + ps.LineWidth
	}
	if ps.Mark != "none" && ps.Mark != "" {
		options += ",mark=" + ps.Mark
		if ps.MarkOptions != "" {
			options += ",mark options={" + ps.MarkOptions + "}"
		}
	}
	return options
}
