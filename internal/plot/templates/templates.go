package templates

const PlotTemplate = `% Generated on {{.GeneratedDate}}
%
% Run ID: {{.RunID}}
% Run Name: {{.RunName}}
% Description: {{.Description}}
% Started: {{.RunStarted}}
% Simulated: {{.SimulatedMs}}ms on {{.SimulatedCPUs}} cpus, window {{.WindowMs}}ms
% Trace Checksum: {{.TraceChecksum}}
% Driver Version: {{.DriverVersion}}
%
% Host Information:
% Hostname: {{.Hostname}}
% CPU: {{.CPUModel}}
% Kernel: {{.KernelVersion}}
%
\begin{tikzpicture}
	\begin{axis}[
		% title={ {{.Title}} },
		xlabel={ {{.XLabel}} },
		ylabel={ {{.YLabel}} },
		width=\textwidth,
		height=0.6\textwidth,
		xmin={{.XMin}}, xmax={{.XMax}},
		ymin={{.YMin}}, ymax={{.YMax}},
		ymajorgrids,
		grid style=dashed,
		legend columns=2,
		legend pos=north east,
	]

{{range .Plots}}
% addplot source: run_id={{$.RunID}} field={{$.Field}} {{$.GroupBy}}={{.Index}}
\addplot+[{{.Style}}]
  coordinates {
{{range .Coordinates}}    {{.}}
{{end}}  };
\addlegendentry{ {{.LegendEntry}} }

{{end}}
	\end{axis}
\end{tikzpicture}
`

type PlotData struct {
	GeneratedDate string
	RunID         string
	RunName       string
	Description   string
	RunStarted    string
	SimulatedMs   uint64
	SimulatedCPUs int
	WindowMs      float64
	TraceChecksum string
	DriverVersion string
	Hostname      string
	CPUModel      string
	KernelVersion string
	Title         string
	XLabel        string
	YLabel        string
	Field         string
	GroupBy       string
	XMin          string
	XMax          string
	YMin          string
	YMax          string
	Plots         []PlotSeries
}

type PlotSeries struct {
	Index       int
	Style       string
	LegendEntry string
	Coordinates []string
}

const WrapperTemplate = `% Generated on {{.GeneratedDate}}
% Run ID: {{.RunID}}
% Field: {{.Field}}
\begin{center}
    \begin{figure}[H]
    \centering
    \resizebox{1\linewidth}{!}{\input{./{{.PlotFileName}} }}
    \caption[{{.ShortCaption}}]{ {{.Caption}} }
    \label{fig:run-{{.ShortID}}-{{.Field}}}
    \end{figure}
\end{center}
`

type WrapperData struct {
	GeneratedDate string
	RunID         string
	ShortID       string
	Field         string
	PlotFileName  string
	ShortCaption  string
	Caption       string
}
