package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/photodup/photodup/internal/bktree"
	"github.com/photodup/photodup/internal/config"
	internaldb "github.com/photodup/photodup/internal/db"
	"github.com/photodup/photodup/internal/feature"
	"github.com/photodup/photodup/internal/group"
	"github.com/photodup/photodup/internal/override"
	"github.com/photodup/photodup/internal/pipeline"
	"github.com/photodup/photodup/internal/pool"
	"github.com/photodup/photodup/internal/scheduler"
	"github.com/photodup/photodup/internal/store"
)

type apiFixture struct {
	root string
	ts   *httptest.Server
	mgr  *pipeline.Manager
}

func newAPIFixture(tb testing.TB) *apiFixture {
	tb.Helper()
	dir := tb.TempDir()
	root := filepath.Join(dir, "photos")
	if err := os.MkdirAll(root, 0o755); err != nil {
		tb.Fatal(err)
	}

	cfg := config.Default()
	cfg.Roots = []string{root}
	cfg.DBPath = filepath.Join(dir, "photodup.db")
	cfg.CacheDir = filepath.Join(dir, "cache")

	database, err := internaldb.Open(cfg.DBPath)
	if err != nil {
		tb.Fatalf("open db: %v", err)
	}
	tb.Cleanup(func() { database.Close() })
	if err := internaldb.RunMigrations(database); err != nil {
		tb.Fatalf("migrate: %v", err)
	}

	st := store.New(database)
	ov := override.New(database)

	pl := pool.New(pool.Config{ThreadCap: 2})
	pl.Start()
	tb.Cleanup(func() { pl.Stop(5 * time.Second) })

	idx := bktree.NewIndex()
	co, err := pipeline.NewCoordinator(st, ov, pl, idx, &cfg, false)
	if err != nil {
		tb.Fatalf("coordinator: %v", err)
	}
	mgr := pipeline.NewManager(co, st)
	eng := group.New(st, ov, feature.New(st, &cfg), idx, &cfg)

	sched := scheduler.New()

	srv := New(":0", Deps{
		Store:        st,
		Overrides:    ov,
		Cfg:          &cfg,
		Manager:      mgr,
		Pool:         pl,
		Sched:        sched,
		Version:      "test",
		Recommend:    co.RecommendMode,
		AutoOriginal: eng.AutoOriginal,
	})
	ts := httptest.NewServer(srv.Handler())
	tb.Cleanup(ts.Close)

	return &apiFixture{root: root, ts: ts, mgr: mgr}
}

func (fx *apiFixture) writeDuplicatePair(tb testing.TB) {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{30, 90, 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatal(err)
	}
	for _, name := range []string{"a.png", "b.png"} {
		if err := os.WriteFile(filepath.Join(fx.root, name), buf.Bytes(), 0o644); err != nil {
			tb.Fatal(err)
		}
	}
}

func (fx *apiFixture) runToCompletion(tb testing.TB) {
	tb.Helper()
	resp, err := http.Post(fx.ts.URL+"/api/runs", "application/json",
		bytes.NewBufferString(`{"mode":"delta"}`))
	if err != nil {
		tb.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		tb.Fatalf("POST /api/runs = %d, want 202", resp.StatusCode)
	}
	if err := fx.mgr.Wait(time.Minute); err != nil {
		tb.Fatalf("run did not finish: %v", err)
	}
}

func getJSON(tb testing.TB, url string, v any) int {
	tb.Helper()
	resp, err := http.Get(url)
	if err != nil {
		tb.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			tb.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	var body struct {
		Version string `json:"version"`
		Workers struct {
			State string `json:"state"`
		} `json:"workers"`
		ActiveRun any `json:"active_run"`
	}
	if code := getJSON(t, fx.ts.URL+"/api/status", &body); code != http.StatusOK {
		t.Fatalf("GET /api/status = %d", code)
	}
	if body.Version != "test" {
		t.Errorf("version = %q, want test", body.Version)
	}
	if body.Workers.State != "running" {
		t.Errorf("workers.state = %q, want running", body.Workers.State)
	}
	if body.ActiveRun != nil {
		t.Error("expected no active run on a fresh server")
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	fx.writeDuplicatePair(t)
	fx.runToCompletion(t)

	var runs struct {
		Items []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if code := getJSON(t, fx.ts.URL+"/api/runs", &runs); code != http.StatusOK {
		t.Fatalf("GET /api/runs = %d", code)
	}
	if runs.Total != 1 || len(runs.Items) != 1 {
		t.Fatalf("runs total = %d items = %d, want 1/1", runs.Total, len(runs.Items))
	}
	if runs.Items[0].Status != "completed" {
		t.Errorf("run status = %q, want completed", runs.Items[0].Status)
	}

	var groups struct {
		Items []struct {
			ID          int64  `json:"id"`
			Tier        string `json:"tier"`
			MemberCount int    `json:"member_count"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if code := getJSON(t, fx.ts.URL+"/api/groups", &groups); code != http.StatusOK {
		t.Fatalf("GET /api/groups = %d", code)
	}
	if groups.Total != 1 {
		t.Fatalf("groups total = %d, want 1", groups.Total)
	}
	if groups.Items[0].Tier != "exact" || groups.Items[0].MemberCount != 2 {
		t.Errorf("group = %+v, want exact tier with 2 members", groups.Items[0])
	}
}

func TestOverrideFlowOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	fx.writeDuplicatePair(t)
	fx.runToCompletion(t)

	var groups struct {
		Items []struct {
			ID int64 `json:"id"`
		} `json:"items"`
	}
	getJSON(t, fx.ts.URL+"/api/groups", &groups)
	if len(groups.Items) == 0 {
		t.Fatal("no groups after run")
	}
	groupURL := fx.ts.URL + "/api/groups/" + strconv.FormatInt(groups.Items[0].ID, 10)

	var detail struct {
		Members []struct {
			FileID     int64 `json:"file_id"`
			IsOriginal bool  `json:"is_original"`
		} `json:"members"`
	}
	getJSON(t, groupURL, &detail)
	var target int64
	for _, m := range detail.Members {
		if !m.IsOriginal {
			target = m.FileID
		}
	}
	if target == 0 {
		t.Fatal("no non-original member")
	}

	body, _ := json.Marshal(map[string]any{"file_id": target, "reason": "user_preference"})
	resp, err := http.Post(groupURL+"/override", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST override = %d, want 201", resp.StatusCode)
	}

	var after struct {
		Override *struct {
			FileID int64 `json:"file_id"`
		} `json:"override"`
	}
	getJSON(t, groupURL, &after)
	if after.Override == nil || after.Override.FileID != target {
		t.Fatalf("override = %+v, want file %d", after.Override, target)
	}

	req, _ := http.NewRequest(http.MethodDelete, groupURL+"/override", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE override = %d, want 204", delResp.StatusCode)
	}
}

func TestConfigPatchOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)

	body := bytes.NewBufferString(`{"thread_cap": 6}`)
	req, _ := http.NewRequest(http.MethodPatch, fx.ts.URL+"/api/config", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH /api/config = %d, want 200", resp.StatusCode)
	}
	var cfg struct {
		Preset      string `json:"preset"`
		Concurrency struct {
			ThreadCap int `json:"thread_cap"`
		} `json:"concurrency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Concurrency.ThreadCap != 6 {
		t.Errorf("thread_cap = %d, want 6", cfg.Concurrency.ThreadCap)
	}
	if cfg.Preset != "custom" {
		t.Errorf("preset = %q, want custom after tuning a preset-owned field", cfg.Preset)
	}

	// Invalid values are rejected.
	bad := bytes.NewBufferString(`{"phash_threshold": 200}`)
	badReq, _ := http.NewRequest(http.MethodPatch, fx.ts.URL+"/api/config", bad)
	badReq.Header.Set("Content-Type", "application/json")
	badResp, err := http.DefaultClient.Do(badReq)
	if err != nil {
		t.Fatal(err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid patch = %d, want 400", badResp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	fx.writeDuplicatePair(t)
	fx.runToCompletion(t)

	var stats struct {
		Files struct {
			Total int64 `json:"total"`
		} `json:"files"`
		Groups struct {
			Total            int64  `json:"total"`
			ReclaimableBytes int64  `json:"reclaimable_bytes"`
			Reclaimable      string `json:"reclaimable"`
		} `json:"groups"`
	}
	if code := getJSON(t, fx.ts.URL+"/api/stats", &stats); code != http.StatusOK {
		t.Fatalf("GET /api/stats = %d", code)
	}
	if stats.Files.Total != 2 {
		t.Errorf("files.total = %d, want 2", stats.Files.Total)
	}
	if stats.Groups.Total != 1 {
		t.Errorf("groups.total = %d, want 1", stats.Groups.Total)
	}
	if stats.Groups.ReclaimableBytes <= 0 {
		t.Errorf("reclaimable_bytes = %d, want > 0", stats.Groups.ReclaimableBytes)
	}
	if stats.Groups.Reclaimable == "" {
		t.Error("expected a humanised reclaimable size")
	}
}

