package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/contracts"
	"github.com/cortexhub/cortex/pkg/models"
)

type fakeRuntime struct {
	mu     sync.Mutex
	images map[string]bool
	saves  []string
	loads  int
}

func newFakeRuntime(images ...string) *fakeRuntime {
	f := &fakeRuntime{images: map[string]bool{}}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

func (f *fakeRuntime) CreateContainer(context.Context, contracts.ContainerSpec) (string, error) {
	return "", errors.New("not supported")
}
func (f *fakeRuntime) StartContainer(context.Context, string) error  { return nil }
func (f *fakeRuntime) RemoveContainer(context.Context, string) error { return nil }
func (f *fakeRuntime) StopContainer(context.Context, string, time.Duration) error {
	return nil
}
func (f *fakeRuntime) InspectContainer(context.Context, string) (contracts.ContainerStatus, error) {
	return contracts.ContainerStatus{}, nil
}
func (f *fakeRuntime) ContainerLogs(context.Context, string, int) (string, error) {
	return "", nil
}

func (f *fakeRuntime) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeRuntime) SaveImages(_ context.Context, images []string, w io.Writer) error {
	f.mu.Lock()
	f.saves = append(f.saves, images...)
	f.mu.Unlock()
	_, err := fmt.Fprintf(w, "tarball:%s\n", strings.Join(images, ","))
	return err
}

func (f *fakeRuntime) LoadImages(_ context.Context, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	for _, img := range strings.Split(strings.TrimSpace(strings.TrimPrefix(string(b), "tarball:")), ",") {
		if img != "" {
			f.images[img] = true
		}
	}
	return nil
}

func testManager(t *testing.T, st *store.MemoryStore, rt contracts.ContainerRuntime) *Manager {
	t.Helper()
	engine := config.EngineConfig{
		VLLMImage:     "vllm/vllm-openai:v0.8.5",
		LlamaCppImage: "ghcr.io/ggml-org/llama.cpp:server-cuda",
		ModelsDir:     t.TempDir(),
	}
	return NewManager(st, rt, engine, config.DeployConfig{Dir: t.TempDir()})
}

func seedModel(t *testing.T, st *store.MemoryStore, name string, engine models.Engine, engineCfg string) *models.Model {
	t.Helper()
	m := &models.Model{
		Name:            name,
		ServedModelName: name,
		Engine:          engine,
		Task:            models.TaskGenerate,
		Source:          "hf",
		RepoID:          "org/" + name,
		State:           models.StateRunning,
		ContainerName:   "cortex-" + name,
		HostPort:        18001,
	}
	if engineCfg != "" {
		m.EngineConfig = json.RawMessage(engineCfg)
	}
	if err := st.CreateModel(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func fullExport(t *testing.T, mgr *Manager, dir string) *ExportResult {
	t.Helper()
	res, err := mgr.Export(context.Background(), ExportOptions{
		Dir:             dir,
		IncludeDB:       true,
		IncludeImages:   true,
		IncludeManifest: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestExportWritesManifestWithHashes(t *testing.T) {
	st := store.NewMemoryStore()
	rt := newFakeRuntime()
	mgr := testManager(t, st, rt)
	seedModel(t, st, "llama3", models.EngineVLLM, `{"hf_token":"hf_abc123","tensor_parallel_size":2}`)

	dir := t.TempDir()
	res := fullExport(t, mgr, dir)

	m, err := loadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Files) != len(res.Files) || len(m.Files) < 3 {
		t.Fatalf("manifest files = %d, result files = %d", len(m.Files), len(res.Files))
	}
	if err := verifyManifest(dir, m); err != nil {
		t.Fatalf("fresh export fails verification: %v", err)
	}

	var sawRedacted bool
	for _, f := range m.Files {
		if f.SHA256 == "" || f.SizeBytes == 0 {
			t.Fatalf("manifest entry incomplete: %+v", f)
		}
		if f.TokensRedacted {
			sawRedacted = true
			b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
			if err != nil {
				t.Fatal(err)
			}
			if strings.Contains(string(b), "hf_abc123") {
				t.Fatalf("token leaked into %s", f.Path)
			}
			if !strings.Contains(string(b), redactedMarker) {
				t.Fatalf("redaction marker missing in %s", f.Path)
			}
		}
	}
	if !sawRedacted {
		t.Fatal("no manifest entry flagged as token-redacted")
	}
	if len(rt.saves) != 1 || rt.saves[0] != "vllm/vllm-openai:v0.8.5" {
		t.Fatalf("saved images = %v", rt.saves)
	}
}

func TestTamperedFileAbortsImport(t *testing.T) {
	st := store.NewMemoryStore()
	rt := newFakeRuntime("vllm/vllm-openai:v0.8.5")
	mgr := testManager(t, st, rt)
	seedModel(t, st, "llama3", models.EngineVLLM, "")

	dir := t.TempDir()
	fullExport(t, mgr, dir)

	// Flip one byte in the image tarball.
	tars, _ := filepath.Glob(filepath.Join(dir, imagesDir, "*.tar"))
	if len(tars) != 1 {
		t.Fatalf("tars = %v", tars)
	}
	b, err := os.ReadFile(tars[0])
	if err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xff
	if err := os.WriteFile(tars[0], b, 0o644); err != nil {
		t.Fatal(err)
	}

	var ce *ChecksumError
	err = mgr.ImportDB(context.Background(), ImportDBOptions{Dir: dir}, nil)
	if !errors.As(err, &ce) {
		t.Fatalf("import-db error = %v, want checksum mismatch", err)
	}
	_, err = mgr.ImportModel(context.Background(), ImportModelOptions{Dir: dir, Manifest: "model-1.json"}, nil)
	if !errors.As(err, &ce) {
		t.Fatalf("import-model error = %v, want checksum mismatch", err)
	}

	// The override flag lets the operator proceed anyway.
	if err := mgr.ImportDB(context.Background(), ImportDBOptions{Dir: dir, SkipChecksums: true}, nil); err != nil {
		t.Fatalf("override import failed: %v", err)
	}
}

func TestImportModelChecks(t *testing.T) {
	st := store.NewMemoryStore()
	rt := newFakeRuntime("vllm/vllm-openai:v0.8.5")
	mgr := testManager(t, st, rt)
	seedModel(t, st, "llama3", models.EngineVLLM, "")

	dir := t.TempDir()
	fullExport(t, mgr, dir)

	// Name conflict: the exporting store still holds llama3.
	_, err := mgr.ImportModel(context.Background(), ImportModelOptions{Dir: dir, Manifest: "model-1.json"}, nil)
	if !errors.Is(err, ErrNameConflict) {
		t.Fatalf("err = %v, want name conflict", err)
	}

	// Renaming resolves it; the imported row starts stopped without
	// container state.
	imported, err := mgr.ImportModel(context.Background(), ImportModelOptions{
		Dir: dir, Manifest: "model-1.json", RenameOnConflict: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if imported.ServedModelName != "llama3"+renameSuffix {
		t.Fatalf("served name = %s", imported.ServedModelName)
	}
	if imported.State != models.StateStopped || imported.ContainerName != "" || imported.HostPort != 0 {
		t.Fatalf("imported row carries runtime state: %+v", imported)
	}

	// Missing engine image blocks the import.
	mgr2 := testManager(t, store.NewMemoryStore(), newFakeRuntime())
	_, err = mgr2.ImportModel(context.Background(), ImportModelOptions{Dir: dir, Manifest: "model-1.json"}, nil)
	if err == nil || !strings.Contains(err.Error(), "not present") {
		t.Fatalf("err = %v, want missing image", err)
	}
}

func TestImportModelDropsRedactedTokens(t *testing.T) {
	st := store.NewMemoryStore()
	rt := newFakeRuntime("vllm/vllm-openai:v0.8.5")
	mgr := testManager(t, st, rt)
	seedModel(t, st, "llama3", models.EngineVLLM, `{"hf_token":"hf_abc123","tensor_parallel_size":2}`)

	dir := t.TempDir()
	fullExport(t, mgr, dir)

	imported, err := mgr.ImportModel(context.Background(), ImportModelOptions{
		Dir: dir, Manifest: "model-1.json", RenameOnConflict: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(imported.EngineConfig, &cfg); err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg["hf_token"]; ok {
		t.Fatalf("token key survived import: %v", cfg)
	}
	if cfg["tensor_parallel_size"] != float64(2) {
		t.Fatalf("unrelated config lost: %v", cfg)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := store.NewMemoryStore()
	rt := newFakeRuntime()
	mgr := testManager(t, src, rt)
	seedModel(t, src, "llama3", models.EngineVLLM, "")
	seedModel(t, src, "gguf-chat", models.EngineLlamaCpp, "")

	dir := t.TempDir()
	fullExport(t, mgr, dir)

	// Fresh host: empty store, empty image cache.
	dst := store.NewMemoryStore()
	rt2 := newFakeRuntime()
	mgr2 := testManager(t, dst, rt2)

	if err := mgr2.LoadImages(context.Background(), dir, false, nil); err != nil {
		t.Fatal(err)
	}
	if rt2.loads != 2 {
		t.Fatalf("image loads = %d", rt2.loads)
	}

	if err := mgr2.ImportDB(context.Background(), ImportDBOptions{Dir: dir, PreRestoreBackup: true}, nil); err != nil {
		t.Fatal(err)
	}

	restored, err := dst.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored models = %d", len(restored))
	}
	names := map[string]bool{}
	for _, m := range restored {
		names[m.ServedModelName] = true
		if m.State != models.StateStopped {
			t.Fatalf("model %s restored in state %s, want stopped", m.ServedModelName, m.State)
		}
	}
	if !names["llama3"] || !names["gguf-chat"] {
		t.Fatalf("served names = %v", names)
	}

	manifests, err := mgr2.ListModelManifests(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 2 {
		t.Fatalf("manifests = %v", manifests)
	}
}

func TestRunnerSingleton(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRunner(st)

	release := make(chan struct{})
	first, started := r.Submit(context.Background(), models.JobExport,
		func(ctx context.Context, progress func(string, float64)) (any, error) {
			progress("working", 0.5)
			<-release
			return map[string]string{"dir": "/tmp/x"}, nil
		})
	if !started {
		t.Fatal("first submit did not start")
	}

	second, started := r.Submit(context.Background(), models.JobImportDB,
		func(ctx context.Context, progress func(string, float64)) (any, error) {
			t.Error("second job must not run while the first is active")
			return nil, nil
		})
	if started {
		t.Fatal("second submit started while the first was running")
	}
	if second.ID != first.ID || second.Type != models.JobExport {
		t.Fatalf("second submit returned %+v, want the running job %s", second, first.ID)
	}

	close(release)
	done, err := r.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.JobSucceeded || done.Progress != 1 || done.FinishedAt == nil {
		t.Fatalf("final job = %+v", done)
	}

	// Terminal job frees the slot.
	third, started := r.Submit(context.Background(), models.JobExport,
		func(ctx context.Context, progress func(string, float64)) (any, error) { return nil, nil })
	if !started || third.ID == first.ID {
		t.Fatalf("slot not freed after terminal job")
	}
	if _, err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	latest, err := st.LatestDeploymentJob(context.Background())
	if err != nil || latest == nil {
		t.Fatalf("latest job: %v %v", latest, err)
	}
}

func TestRunnerCancelMarksJobCancelled(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRunner(st)

	job, started := r.Submit(context.Background(), models.JobExport,
		func(ctx context.Context, progress func(string, float64)) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if !started {
		t.Fatal("submit did not start")
	}

	if got := r.Cancel(); got == nil || got.ID != job.ID {
		t.Fatalf("cancel returned %+v, want job %s", got, job.ID)
	}

	done, err := r.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.JobCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}
	if r.Cancel() != nil {
		t.Fatal("cancel of a terminal job should return nil")
	}
}

func TestCancelledExportRemovesPartialOutputs(t *testing.T) {
	st := store.NewMemoryStore()
	rt := newFakeRuntime("vllm/vllm-openai:v0.8.5")
	mgr := testManager(t, st, rt)
	seedModel(t, st, "llama3", models.EngineVLLM, "")

	ctx, cancel := context.WithCancel(context.Background())
	dir := t.TempDir()
	progress := func(step string, frac float64) {
		if step == "dumping database" {
			cancel()
		}
	}

	_, err := mgr.Export(ctx, ExportOptions{
		Dir:             dir,
		IncludeDB:       true,
		IncludeManifest: true,
	}, progress)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("export error = %v, want context.Canceled", err)
	}

	if _, statErr := os.Stat(filepath.Join(dir, "db", "cortex.sql")); !os.IsNotExist(statErr) {
		t.Fatal("partial database dump left behind")
	}
	if _, statErr := os.Stat(filepath.Join(dir, manifestFileName)); !os.IsNotExist(statErr) {
		t.Fatal("manifest written for a cancelled export")
	}
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("export dir not empty after cancellation: %v", entries)
	}
}
