package monitor

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/carla-syncer/internal/dispatch"
	"github.com/banshee-data/carla-syncer/internal/framedb"
	"github.com/banshee-data/carla-syncer/internal/httputil"
	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/version"
)

// Snapshot is one point-in-time view of the pipeline, assembled by the
// orchestrator for the status endpoints.
type Snapshot struct {
	State           string                `json:"state"`
	FramesEmitted   uint64                `json:"frames_emitted"`
	FramesMissing   uint64                `json:"frames_with_missing_sensors"`
	PacketsReceived uint64                `json:"packets_received"`
	DroppedTotal    uint64                `json:"dropped_total"`
	OutOfOrderTotal uint64                `json:"out_of_order_total"`
	WindowMs        float64               `json:"window_ms"`
	MotionIntensity float64               `json:"motion_intensity"`
	BufferDepths    map[string]int        `json:"buffer_depths"`
	QueueDepths     map[string]int        `json:"queue_depths"`
	Adapters        []ingest.AdapterStats `json:"adapters"`
	Sinks           []dispatch.SinkStats  `json:"sinks"`
}

// WebServer serves pipeline status, diagnostic charts and the debug
// endpoints (varz, tailsql).
type WebServer struct {
	snapshot func() Snapshot
	db       *framedb.DB
}

// NewWebServer creates a server. snapshot must be safe to call from any
// goroutine; db may be nil when recording is disabled.
func NewWebServer(snapshot func() Snapshot, db *framedb.DB) *WebServer {
	return &WebServer{snapshot: snapshot, db: db}
}

// ServeMux builds the HTTP mux with all routes attached.
func (ws *WebServer) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", ws.handleHome)
	mux.HandleFunc("/api/sync/stats", ws.handleStats)
	mux.HandleFunc("/charts/offsets", ws.handleOffsetsChart)

	// tsweb's debugger exposes /debug/varz with the expvar metrics.
	tsweb.Debugger(mux)
	if ws.db != nil {
		ws.db.AttachAdminRoutes(mux)
	}
	return mux
}

func (ws *WebServer) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	snap := ws.snapshot()
	fmt.Fprintf(w, "carla-syncer %s\n\n", version.String())
	fmt.Fprintf(w, "state:             %s\n", snap.State)
	fmt.Fprintf(w, "frames emitted:    %d (%d with missing sensors)\n", snap.FramesEmitted, snap.FramesMissing)
	fmt.Fprintf(w, "packets received:  %d\n", snap.PacketsReceived)
	fmt.Fprintf(w, "dropped:           %d\n", snap.DroppedTotal)
	fmt.Fprintf(w, "out of order:      %d\n", snap.OutOfOrderTotal)
	fmt.Fprintf(w, "window:            %.1f ms\n", snap.WindowMs)
	fmt.Fprintf(w, "motion intensity:  %.3f\n", snap.MotionIntensity)
	fmt.Fprintf(w, "\nsinks:\n")
	for _, s := range snap.Sinks {
		fmt.Fprintf(w, "  %s\n", describeSink(s))
	}
	fmt.Fprintf(w, "\nsee /api/sync/stats, /charts/offsets, /debug/\n")
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.snapshot())
}

// handleOffsetsChart renders a line chart of a sensor's offset and
// residual history from the frame DB. Debugging aid only.
// Query params:
//   - sensor_id (required)
//   - limit (optional; default 500)
func (ws *WebServer) handleOffsetsChart(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		httputil.NotFound(w, "frame recording disabled")
		return
	}
	sensorID := r.URL.Query().Get("sensor_id")
	if sensorID == "" {
		httputil.BadRequest(w, "missing sensor_id")
		return
	}
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}

	history, err := ws.db.OffsetHistory(sensorID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("query failed: %v", err))
		return
	}
	if len(history) == 0 {
		httputil.NotFound(w, "no offset history for sensor")
		return
	}

	xs := make([]string, len(history))
	offsets := make([]opts.LineData, len(history))
	residuals := make([]opts.LineData, len(history))
	for i, s := range history {
		xs[i] = fmt.Sprintf("%.3f", s.TSync)
		offsets[i] = opts.LineData{Value: s.Offset * 1000}
		residuals[i] = opts.LineData{Value: s.Residual * 1000}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("AdaKF offset: %s", sensorID),
			Subtitle: "milliseconds vs t_sync",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	line.SetXAxis(xs).
		AddSeries("offset_ms", offsets).
		AddSeries("residual_ms", residuals)

	if err := line.Render(w); err != nil {
		http.Error(w, "Failed to render chart", http.StatusInternalServerError)
	}
}
