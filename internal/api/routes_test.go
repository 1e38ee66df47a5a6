package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/voltile/server/internal/cache"
	"github.com/voltile/server/internal/config"
	"github.com/voltile/server/internal/data/volume"
	"github.com/voltile/server/internal/jobstore"
	"github.com/voltile/server/internal/render"
	"github.com/voltile/server/internal/service"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

func writeStoreJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeStoreChunk(t *testing.T, path string, values []float32) {
	t.Helper()
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		bits := math.Float32bits(v)
		raw[i*4] = byte(bits)
		raw[i*4+1] = byte(bits >> 8)
		raw[i*4+2] = byte(bits >> 16)
		raw[i*4+3] = byte(bits >> 24)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeTestVolume builds a 2x2x2 store with image values 0..7 in
// x-fastest order.
func writeTestVolume(t *testing.T, dir string) {
	t.Helper()

	writeStoreJSON(t, filepath.Join(dir, "metadata.json"), map[string]interface{}{
		"name":           "Test Volume",
		"format_version": "1",
		"shape":          []int{2, 2, 2},
		"data_range":     []float64{0, 7},
	})
	writeStoreJSON(t, filepath.Join(dir, "image", "zarr.json"), map[string]interface{}{
		"shape":     []int{2, 2, 2},
		"data_type": "float32",
		"chunk_grid": map[string]interface{}{
			"name": "regular",
			"configuration": map[string]interface{}{
				"chunk_shape": []int{2, 2, 2},
			},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name": "default",
			"configuration": map[string]interface{}{
				"separator": "/",
			},
		},
		"fill_value":  0,
		"zarr_format": 3,
		"node_type":   "array",
	})
	writeStoreChunk(t, filepath.Join(dir, "image", "c", "0", "0", "0"),
		[]float32{0, 1, 2, 3, 4, 5, 6, 7})
}

type testEnv struct {
	router http.Handler
	jm     *JobManager
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	storeDir := t.TempDir()
	writeTestVolume(t, storeDir)

	reader, err := volume.NewReader(storeDir)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(reader.Close)

	cacheManager, err := cache.NewManager(cache.Config{
		SliceCacheSizeMB: 8,
		SliceTTL:         time.Minute,
		QueryCacheSize:   16,
	})
	if err != nil {
		t.Fatalf("cache.NewManager: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	svc, err := service.NewVolumeService(service.VolumeServiceConfig{
		VolumeID: "t1w",
		Reader:   reader,
		Cache:    cacheManager,
		Renderer: render.NewSliceRenderer(render.Config{SliceSize: 8}),
		Display: config.DisplayConfig{
			Colormap:         "greyscale",
			NegativeColormap: "blue-lightblue",
			Interpolation:    "none",
		},
	})
	if err != nil {
		t.Fatalf("NewVolumeService: %v", err)
	}

	registry := NewVolumeRegistry("t1w", []string{"t1w"}, "Test Server")
	registry.Register("t1w", svc)

	jobDir := t.TempDir()
	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(jobDir, "jobs.db"),
		OutputDir:     jobDir,
	})
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	jm.Executor = SnapshotExecutor(registry, jobDir)
	jm.Start()
	t.Cleanup(jm.Stop)

	router := NewRouter(RouterConfig{
		Registry:    registry,
		Cache:       cacheManager,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
	})

	return &testEnv{router: router, jm: jm}
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestVolumesEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/api/volumes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Default string       `json:"default"`
		Volumes []VolumeInfo `json:"volumes"`
		Title   string       `json:"title"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Default != "t1w" {
		t.Errorf("default = %q, want %q", resp.Default, "t1w")
	}
	if len(resp.Volumes) != 1 || resp.Volumes[0].Name != "Test Volume" {
		t.Errorf("volumes = %#v, want the test volume", resp.Volumes)
	}
	if resp.Title != "Test Server" {
		t.Errorf("title = %q, want %q", resp.Title, "Test Server")
	}
}

func TestColormapsEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/api/colormaps")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Colormaps []string `json:"colormaps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	found := false
	for _, name := range resp.Colormaps {
		if name == "greyscale" {
			found = true
		}
	}
	if !found {
		t.Errorf("colormaps %v missing greyscale", resp.Colormaps)
	}
}

func TestColourBarEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/api/colormaps/viridis/bar.png?width=64&height=8")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), pngSignature) {
		t.Error("response is not a PNG")
	}

	rec = env.get(t, "/api/colormaps/no-such-map/bar.png")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown colormap status = %d, want 404", rec.Code)
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/api/cache/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := stats["slice_cache_len"]; !ok {
		t.Errorf("stats missing slice_cache_len: %v", stats)
	}
}

func TestSliceEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/v/t1w/slices/axial/0.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), pngSignature) {
		t.Error("response is not a PNG")
	}
}

func TestSliceEndpointWithOptions(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/v/t1w/slices/coronal/1.png?cmap=viridis&display_low=1&display_high=6&clip_low=0.5&interp=spline")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), pngSignature) {
		t.Error("response is not a PNG")
	}
}

func TestSliceEndpointErrors(t *testing.T) {
	env := setupTestEnv(t)

	cases := []struct {
		name string
		path string
		code int
	}{
		{"unknownVolume", "/v/nope/slices/axial/0.png", http.StatusNotFound},
		{"badPlane", "/v/t1w/slices/diagonal/0.png", http.StatusBadRequest},
		{"badIndex", "/v/t1w/slices/axial/xyz.png", http.StatusBadRequest},
		{"indexOutOfRange", "/v/t1w/slices/axial/99.png", http.StatusBadRequest},
		{"badColormap", "/v/t1w/slices/axial/0.png?cmap=nope", http.StatusBadRequest},
		{"badFloat", "/v/t1w/slices/axial/0.png?display_low=abc", http.StatusBadRequest},
		{"badInterp", "/v/t1w/slices/axial/0.png?interp=cubic", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.get(t, tc.path)
			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d", rec.Code, tc.code)
			}
		})
	}
}

func TestMetadataEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/v/t1w/api/metadata")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var md service.VolumeMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &md); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if md.ID != "t1w" || md.Name != "Test Volume" {
		t.Errorf("identity = %q/%q, want t1w/Test Volume", md.ID, md.Name)
	}
	if len(md.Shape) != 3 || md.Shape[0] != 2 {
		t.Errorf("shape = %v, want [2 2 2]", md.Shape)
	}
	if md.Display.Colormap != "greyscale" {
		t.Errorf("display colormap = %q, want greyscale", md.Display.Colormap)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.get(t, "/v/t1w/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var st service.VolumeStats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if st.Voxels != 8 || st.Min != 0 || st.Max != 7 {
		t.Errorf("stats = %#v, want 8 voxels in [0, 7]", st)
	}
}

func TestSnapshotJobFlow(t *testing.T) {
	env := setupTestEnv(t)

	body := bytes.NewBufferString(`{"plane": "axial", "options": {"cmap": "viridis"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v/t1w/api/snapshots/", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var job *jobstore.SnapshotJob
	for time.Now().Before(deadline) {
		job = env.jm.Get(submitted.JobID)
		if job != nil && (job.Status == jobstore.JobStatusCompleted || job.Status == jobstore.JobStatusFailed) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job == nil || job.Status != jobstore.JobStatusCompleted {
		t.Fatalf("job did not complete: %#v", job)
	}

	rec = env.get(t, "/v/t1w/api/snapshots/"+submitted.JobID+"/slices")
	if rec.Code != http.StatusOK {
		t.Fatalf("slices status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		OutputDir string                 `json:"output_dir"`
		Slices    []jobstore.SliceResult `json:"slices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode slices response: %v", err)
	}
	if len(result.Slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(result.Slices))
	}
	for _, sl := range result.Slices {
		if _, err := os.Stat(filepath.Join(result.OutputDir, sl.Path)); err != nil {
			t.Errorf("slice file missing: %v", err)
		}
	}

	// Finished jobs are removed on DELETE.
	req = httptest.NewRequest(http.MethodDelete, "/v/t1w/api/snapshots/"+submitted.JobID, nil)
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.jm.Get(submitted.JobID) != nil {
		t.Error("job still present after delete")
	}
}

func TestSnapshotSubmitErrors(t *testing.T) {
	env := setupTestEnv(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"badPlane", `{"plane": "diagonal"}`, http.StatusBadRequest},
		{"badJSON", `{`, http.StatusBadRequest},
		{"badOption", `{"plane": "axial", "options": {"zoom": "3"}}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v/t1w/api/snapshots/", bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d", rec.Code, tc.code)
			}
		})
	}
}

func TestParseDisplayOptions(t *testing.T) {
	defaults := service.DisplayOptions{
		Colormap:      "greyscale",
		DisplayLow:    0,
		DisplayHigh:   10,
		ClipLow:       -1,
		ClipHigh:      11,
		Interpolation: "none",
	}

	t.Run("empty", func(t *testing.T) {
		opts, err := parseDisplayOptions(url.Values{}, defaults)
		if err != nil {
			t.Fatalf("parseDisplayOptions failed: %v", err)
		}
		if opts != defaults {
			t.Errorf("opts = %#v, want defaults", opts)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		q := url.Values{}
		q.Set("cmap", "viridis")
		q.Set("display_high", "5")
		q.Set("invert_clip", "true")
		q.Set("interp", "spline")

		opts, err := parseDisplayOptions(q, defaults)
		if err != nil {
			t.Fatalf("parseDisplayOptions failed: %v", err)
		}
		if opts.Colormap != "viridis" || opts.DisplayHigh != 5 || !opts.InvertClipping || opts.Interpolation != "spline" {
			t.Errorf("opts = %#v", opts)
		}
		if opts.DisplayLow != 0 || opts.ClipLow != -1 {
			t.Errorf("untouched defaults changed: %#v", opts)
		}
	})

	t.Run("swapsReversedRanges", func(t *testing.T) {
		q := url.Values{}
		q.Set("clip_low", "8")
		q.Set("clip_high", "2")

		opts, err := parseDisplayOptions(q, defaults)
		if err != nil {
			t.Fatalf("parseDisplayOptions failed: %v", err)
		}
		if opts.ClipLow != 2 || opts.ClipHigh != 8 {
			t.Errorf("clip range = [%g, %g], want [2, 8]", opts.ClipLow, opts.ClipHigh)
		}
	})

	t.Run("rejectsBadValues", func(t *testing.T) {
		for key, val := range map[string]string{
			"display_low": "abc",
			"invert_clip": "maybe",
			"interp":      "cubic",
		} {
			q := url.Values{}
			q.Set(key, val)
			if _, err := parseDisplayOptions(q, defaults); err == nil {
				t.Errorf("%s=%s: expected error", key, val)
			}
		}
	})
}
