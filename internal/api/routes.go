package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/voltile/server/internal/cache"
	"github.com/voltile/server/internal/jobstore"
	"github.com/voltile/server/internal/render"
	"github.com/voltile/server/internal/service"
	"github.com/voltile/server/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *VolumeRegistry
	Cache       *cache.Manager
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not volume-scoped)
	r.Get("/api/volumes", volumesHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)
	r.Get("/api/colormaps/{name}/bar.png", colourBarHandler)
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Volume-scoped routes: /v/{volume}/...
	r.Route("/v/{volume}", func(r chi.Router) {
		r.Use(volumeMiddleware(cfg.Registry))

		// Slice endpoints
		r.Get("/slices/{plane}/{index}.png", volumeSliceHandler)
		r.Get("/slices/{plane}/{index}", volumeSliceHandler)

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", volumeMetadataHandler)
			r.Get("/stats", volumeStatsHandler)

			// Snapshot job endpoints
			r.Route("/snapshots", func(r chi.Router) {
				r.Post("/", snapshotSubmitHandler(cfg.JobManager))
				r.Get("/", snapshotListHandler(cfg.JobManager))
				r.Get("/{job_id}", snapshotStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/slices", snapshotSlicesHandler(cfg.JobManager))
				r.Delete("/{job_id}", snapshotCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for volume service
type ctxKey string

const volumeServiceKey ctxKey = "volumeService"

// volumeMiddleware resolves the volume from URL and injects the slice
// service into context.
func volumeMiddleware(registry *VolumeRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			volumeID := chi.URLParam(r, "volume")
			svc := registry.Get(volumeID)
			if svc == nil {
				http.Error(w, "volume not found: "+volumeID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), volumeServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getVolumeService(r *http.Request) *service.VolumeService {
	if svc, ok := r.Context().Value(volumeServiceKey).(*service.VolumeService); ok {
		return svc
	}
	return nil
}

// volumesHandler returns the list of available volumes.
func volumesHandler(registry *VolumeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default": registry.DefaultVolumeID(),
			"volumes": registry.Volumes(),
			"title":   registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// colormapsHandler returns the names of the registered colour tables.
func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"colormaps": colormap.Names(),
	})
}

// colourBarHandler renders a horizontal gradient bar for a colour
// table. Width and height are query-tunable within sane limits.
func colourBarHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tbl, err := colormap.Get(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	width := parseIntQuery(r.URL.Query(), "width", 256, 16, 2048)
	height := parseIntQuery(r.URL.Query(), "height", 24, 4, 256)

	data, err := render.RenderColourBar(tbl, width, height)
	if err != nil {
		http.Error(w, "failed to render colour bar: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

func cacheStatsHandler(mgr *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mgr == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Stats())
	}
}

// Volume-scoped handlers (get service from context)
func volumeSliceHandler(w http.ResponseWriter, r *http.Request) {
	svc := getVolumeService(r)
	if svc == nil {
		http.Error(w, "volume service not found", http.StatusInternalServerError)
		return
	}
	sliceHandler(svc)(w, r)
}

func volumeMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getVolumeService(r)
	if svc == nil {
		http.Error(w, "volume service not found", http.StatusInternalServerError)
		return
	}
	metadataHandler(svc)(w, r)
}

func volumeStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getVolumeService(r)
	if svc == nil {
		http.Error(w, "volume service not found", http.StatusInternalServerError)
		return
	}
	statsHandler(svc)(w, r)
}

// sliceHandler renders one slice of a volume as a PNG.
func sliceHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plane, err := render.ParsePlane(chi.URLParam(r, "plane"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		indexStr := strings.TrimSuffix(chi.URLParam(r, "index"), ".png")
		index, err := strconv.Atoi(indexStr)
		if err != nil {
			http.Error(w, "invalid slice index", http.StatusBadRequest)
			return
		}

		opts, err := parseDisplayOptions(r.URL.Query(), svc.DefaultOptions())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := svc.GetSlice(plane, index, opts)
		if err != nil {
			http.Error(w, "failed to render slice: "+err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func metadataHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.Metadata())
	}
}

func statsHandler(svc *service.VolumeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.GetStats())
	}
}

// displayOptionKeys are the query parameters recognised by
// parseDisplayOptions, in the order they are documented.
var displayOptionKeys = []string{
	"cmap", "neg_cmap", "use_neg_cmap",
	"display_low", "display_high",
	"clip_low", "clip_high", "invert_clip",
	"modulate", "interp",
}

// parseDisplayOptions overlays query parameters on a volume's default
// display options.
func parseDisplayOptions(query url.Values, defaults service.DisplayOptions) (service.DisplayOptions, error) {
	opts := defaults

	if v := query.Get("cmap"); v != "" {
		opts.Colormap = v
	}
	if v := query.Get("neg_cmap"); v != "" {
		opts.NegativeColormap = v
	}

	var err error
	if opts.UseNegativeColormap, err = parseBoolQuery(query, "use_neg_cmap", opts.UseNegativeColormap); err != nil {
		return opts, err
	}
	if opts.DisplayLow, err = parseFloatQuery(query, "display_low", opts.DisplayLow); err != nil {
		return opts, err
	}
	if opts.DisplayHigh, err = parseFloatQuery(query, "display_high", opts.DisplayHigh); err != nil {
		return opts, err
	}
	if opts.ClipLow, err = parseFloatQuery(query, "clip_low", opts.ClipLow); err != nil {
		return opts, err
	}
	if opts.ClipHigh, err = parseFloatQuery(query, "clip_high", opts.ClipHigh); err != nil {
		return opts, err
	}
	if opts.InvertClipping, err = parseBoolQuery(query, "invert_clip", opts.InvertClipping); err != nil {
		return opts, err
	}
	if opts.ModulateAlpha, err = parseBoolQuery(query, "modulate", opts.ModulateAlpha); err != nil {
		return opts, err
	}

	if v := query.Get("interp"); v != "" {
		switch strings.ToLower(v) {
		case "none", "spline":
			opts.Interpolation = strings.ToLower(v)
		default:
			return opts, errBadQuery("interp", v)
		}
	}

	if opts.ClipHigh < opts.ClipLow {
		opts.ClipLow, opts.ClipHigh = opts.ClipHigh, opts.ClipLow
	}
	if opts.DisplayHigh < opts.DisplayLow {
		opts.DisplayLow, opts.DisplayHigh = opts.DisplayHigh, opts.DisplayLow
	}

	return opts, nil
}

type queryError struct {
	key   string
	value string
}

func (e queryError) Error() string {
	return "invalid value for " + e.key + ": " + e.value
}

func errBadQuery(key, value string) error {
	return queryError{key: key, value: value}
}

func parseFloatQuery(query url.Values, key string, def float64) (float64, error) {
	v := query.Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, errBadQuery(key, v)
	}
	return f, nil
}

func parseBoolQuery(query url.Values, key string, def bool) (bool, error) {
	v := query.Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, errBadQuery(key, v)
	}
	return b, nil
}

func parseIntQuery(query url.Values, key string, def, min, max int) int {
	v := query.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

type snapshotSubmitRequest struct {
	Plane   string            `json:"plane"`
	Options map[string]string `json:"options,omitempty"`
}

func snapshotSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getVolumeService(r)
		if svc == nil {
			http.Error(w, "volume service not available", http.StatusInternalServerError)
			return
		}

		var req snapshotSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if _, err := render.ParsePlane(req.Plane); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for k := range req.Options {
			if !isDisplayOptionKey(k) {
				http.Error(w, "unknown display option: "+k, http.StatusBadRequest)
				return
			}
		}

		params := jobstore.SnapshotParams{
			VolumeID: chi.URLParam(r, "volume"),
			Plane:    req.Plane,
			Options:  req.Options,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func isDisplayOptionKey(k string) bool {
	for _, known := range displayOptionKeys {
		if k == known {
			return true
		}
	}
	return false
}

func snapshotListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		volumeID := chi.URLParam(r, "volume")
		jobs, err := jm.Store().ListJobsByVolume(volumeID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs": jobs,
		})
	}
}

func snapshotStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(job)
	}
}

func snapshotSlicesHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed: "+string(job.Status), http.StatusConflict)
			return
		}

		slices, err := jm.Store().QuerySlices(job.ID)
		if err != nil {
			http.Error(w, "failed to load slices: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":     job.ID,
			"output_dir": job.OutputDir,
			"slices":     slices,
		})
	}
}

func snapshotCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForRequest(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		switch job.Status {
		case jobstore.JobStatusQueued, jobstore.JobStatusRunning:
			if !jm.Cancel(job.ID) {
				http.Error(w, "failed to cancel job", http.StatusConflict)
				return
			}
		default:
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": "cancelled",
		})
	}
}

// jobForRequest loads the job named in the URL and checks it belongs to
// the volume in the URL.
func jobForRequest(jm *JobManager, r *http.Request) *jobstore.SnapshotJob {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil {
		return nil
	}
	if job.VolumeID != chi.URLParam(r, "volume") {
		return nil
	}
	return job
}
