package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/internal/registry"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/contracts"
	"github.com/cortexhub/cortex/pkg/models"
)

// fakeRuntime records lifecycle calls and simulates container status.
type fakeRuntime struct {
	mu       sync.Mutex
	creates  int
	starts   int
	stops    int
	removes  int
	running  bool
	exitCode int
	logs     string
	lastSpec contracts.ContainerSpec
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec contracts.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastSpec = spec
	return spec.Name, nil
}

func (f *fakeRuntime) StartContainer(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	return nil
}

func (f *fakeRuntime) StopContainer(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeRuntime) RemoveContainer(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return nil
}

func (f *fakeRuntime) InspectContainer(context.Context, string) (contracts.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return contracts.ContainerStatus{Running: f.running, ExitCode: f.exitCode}, nil
}

func (f *fakeRuntime) ContainerLogs(context.Context, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRuntime) SaveImages(context.Context, []string, io.Writer) error { return nil }

func (f *fakeRuntime) LoadImages(context.Context, io.Reader) error { return nil }

func (f *fakeRuntime) exit(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.exitCode = code
}

func testController(t *testing.T, rt contracts.ContainerRuntime) (*Controller, store.Store, *registry.Registry) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(3, time.Minute, 0)
	ec := config.EngineConfig{
		VLLMImage:              "vllm/vllm-openai:test",
		LlamaCppImage:          "llamacpp:test",
		ModelsDir:              t.TempDir(),
		ConfigsDir:             t.TempDir(),
		DockerNet:              "cortex_test",
		PortRangeLo:            28000,
		PortRangeHi:            28100,
		VLLMStartupTimeout:     2 * time.Second,
		LlamaCppStartupTimeout: 2 * time.Second,
	}
	c := NewController(s, rt, reg, metrics.New(prometheus.NewRegistry()), ec, "secret")
	c.statusPollInterval = 10 * time.Millisecond
	c.readyPollInterval = 20 * time.Millisecond
	c.earlyExitWindow = 50 * time.Millisecond
	return c, s, reg
}

func createModel(t *testing.T, c *Controller, name string) *models.Model {
	t.Helper()
	m := &models.Model{
		Name:            name,
		ServedModelName: name,
		Engine:          models.EngineVLLM,
		Task:            models.TaskGenerate,
		Source:          models.SourceRepoID,
		RepoID:          "org/" + name,
	}
	if err := c.Create(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

// readyUpstream serves /health and /v1/models for the given name and
// wires the controller's probe target at it.
func readyUpstream(t *testing.T, c *Controller, served string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(models.ModelList{Object: "list", Data: []models.ModelInfo{{ID: served}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	c.UpstreamHost = u.Hostname()
	// Probe the test server's port regardless of the allocated one.
	c.client.Transport = &rewritePort{port: u.Port()}
}

type rewritePort struct{ port string }

func (r *rewritePort) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Host = req.URL.Hostname() + ":" + r.port
	return http.DefaultTransport.RoundTrip(req)
}

func waitState(t *testing.T, s store.Store, id int64, want models.ModelState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m, err := s.GetModel(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if m.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	m, _ := s.GetModel(context.Background(), id)
	t.Fatalf("model never reached %s, stuck in %s (%s)", want, m.State, m.LastError)
}

func TestStartToRunning(t *testing.T) {
	rt := &fakeRuntime{}
	c, s, reg := testController(t, rt)
	m := createModel(t, c, "chat-7b")
	readyUpstream(t, c, "chat-7b")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetModel(context.Background(), m.ID)
	if got.State != models.StateLoading {
		t.Fatalf("state after Start = %s, want loading", got.State)
	}
	waitState(t, s, m.ID, models.StateRunning)

	if _, err := reg.Resolve("chat-7b", models.TaskGenerate); err != nil {
		t.Fatalf("running model not resolvable: %v", err)
	}
	if rt.lastSpec.Image != "vllm/vllm-openai:test" {
		t.Errorf("image = %s", rt.lastSpec.Image)
	}
	if rt.lastSpec.Healthcheck == nil || rt.lastSpec.Healthcheck.StartPeriod != 2*time.Second {
		t.Errorf("healthcheck start period not derived from startup timeout")
	}
}

func TestRunningContainerDeathDemotesToFailed(t *testing.T) {
	rt := &fakeRuntime{logs: "torch.OutOfMemoryError: CUDA out of memory"}
	c, s, reg := testController(t, rt)
	m := createModel(t, c, "crashy-7b")
	readyUpstream(t, c, "crashy-7b")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, m.ID, models.StateRunning)

	rt.exit(137)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.SweepContainers(context.Background())
		got, _ := s.GetModel(context.Background(), m.ID)
		if got.State == models.StateFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, _ := s.GetModel(context.Background(), m.ID)
	if got.State != models.StateFailed {
		t.Fatalf("state after container death = %s, want failed", got.State)
	}
	if !strings.Contains(got.LastError, "insufficient VRAM") {
		t.Fatalf("last_error = %q, want classified OOM hint", got.LastError)
	}
	if _, err := reg.Resolve("crashy-7b", models.TaskGenerate); err == nil {
		t.Fatal("dead model still resolvable from the registry")
	}
	// No restart: the watcher only demotes.
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.creates != 1 || rt.starts != 1 {
		t.Fatalf("creates=%d starts=%d after crash, want 1/1", rt.creates, rt.starts)
	}
}

func TestSweepIgnoresHealthyAndInactiveModels(t *testing.T) {
	rt := &fakeRuntime{}
	c, s, _ := testController(t, rt)
	m := createModel(t, c, "steady-7b")
	readyUpstream(t, c, "steady-7b")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, m.ID, models.StateRunning)

	c.SweepContainers(context.Background())
	got, _ := s.GetModel(context.Background(), m.ID)
	if got.State != models.StateRunning {
		t.Fatalf("healthy model demoted to %s by sweep", got.State)
	}

	// Stopped models have no container to inspect.
	stopped := createModel(t, c, "parked-7b")
	c.SweepContainers(context.Background())
	got, _ = s.GetModel(context.Background(), stopped.ID)
	if got.State != models.StateStopped {
		t.Fatalf("stopped model touched by sweep: %s", got.State)
	}
}

func TestEarlyExitClassified(t *testing.T) {
	rt := &fakeRuntime{logs: "torch.OutOfMemoryError: CUDA out of memory"}
	c, s, _ := testController(t, rt)
	m := createModel(t, c, "oom-model")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	rt.exit(1)
	waitState(t, s, m.ID, models.StateFailed)

	got, _ := s.GetModel(context.Background(), m.ID)
	if !strings.Contains(got.LastError, "insufficient VRAM") {
		t.Fatalf("last_error = %q, want classified OOM hint", got.LastError)
	}
	// No restart: the controller must not recreate or restart the
	// container after the failure.
	time.Sleep(100 * time.Millisecond)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.creates != 1 || rt.starts != 1 {
		t.Fatalf("creates=%d starts=%d after crash, want 1/1", rt.creates, rt.starts)
	}
}

func TestReadinessDeadline(t *testing.T) {
	rt := &fakeRuntime{logs: "something odd happened\nlast line"}
	c, s, _ := testController(t, rt)
	c.engine.VLLMStartupTimeout = 150 * time.Millisecond
	m := createModel(t, c, "never-ready")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, m.ID, models.StateFailed)
	got, _ := s.GetModel(context.Background(), m.ID)
	if !strings.Contains(got.LastError, "no pattern matched") {
		t.Fatalf("last_error = %q, want unclassified marker", got.LastError)
	}
}

func TestStopFromRunning(t *testing.T) {
	rt := &fakeRuntime{}
	c, s, reg := testController(t, rt)
	m := createModel(t, c, "stoppable")
	readyUpstream(t, c, "stoppable")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, m.ID, models.StateRunning)

	if err := c.Stop(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetModel(context.Background(), m.ID)
	if got.State != models.StateStopped || got.ContainerName != "" || got.HostPort != 0 {
		t.Fatalf("after stop: %+v", got)
	}
	if _, err := reg.Resolve("stoppable", ""); err != registry.ErrNoHealthyUpstream {
		t.Fatalf("stopped model still resolvable: %v", err)
	}
	if rt.stops != 1 || rt.removes != 1 {
		t.Fatalf("stops=%d removes=%d, want 1/1", rt.stops, rt.removes)
	}
}

func TestIllegalTransitions(t *testing.T) {
	rt := &fakeRuntime{}
	c, _, _ := testController(t, rt)
	m := createModel(t, c, "legal")

	ctx := context.Background()
	if err := c.Stop(ctx, m.ID); err == nil {
		t.Fatal("stop of a stopped model succeeded")
	} else if _, ok := err.(*ErrIllegalTransition); !ok {
		t.Fatalf("err = %T", err)
	}

	// stopped → running without starting is unreachable through the
	// transition relation.
	if legal(models.StateStopped, models.StateRunning) {
		t.Fatal("stopped → running must not be legal")
	}
	if legal(models.StateStopped, models.StateLoading) {
		t.Fatal("stopped → loading must not be legal")
	}
	if !legal(models.StateFailed, models.StateStarting) {
		t.Fatal("failed → starting must be legal (admin restart)")
	}
}

func TestUpdateOnlyWhileInactive(t *testing.T) {
	rt := &fakeRuntime{}
	c, s, _ := testController(t, rt)
	m := createModel(t, c, "updatable")
	readyUpstream(t, c, "updatable")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, m.ID, models.StateRunning)

	patch := *m
	patch.Name = "renamed"
	if err := c.Update(context.Background(), &patch); err == nil {
		t.Fatal("update of a running model succeeded")
	}

	if err := c.Stop(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Update(context.Background(), &patch); err != nil {
		t.Fatalf("update while stopped: %v", err)
	}
}

func TestDeleteRequiresInactive(t *testing.T) {
	rt := &fakeRuntime{}
	c, s, _ := testController(t, rt)
	m := createModel(t, c, "deletable")
	readyUpstream(t, c, "deletable")

	if err := c.Start(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, m.ID, models.StateRunning)
	if err := c.Delete(context.Background(), m.ID); err == nil {
		t.Fatal("delete of a running model succeeded")
	}

	if err := c.Stop(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetModel(context.Background(), m.ID); !store.IsNotFound(err) {
		t.Fatalf("model still present: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	rt := &fakeRuntime{}
	c, _, _ := testController(t, rt)
	ctx := context.Background()

	bad := []models.Model{
		{Name: "a", Engine: "exotic", Source: models.SourceRepoID, RepoID: "x/y", ServedModelName: "a"},
		{Name: "b", Engine: models.EngineVLLM, Source: models.SourceRepoID, ServedModelName: "b"},
		{Name: "c", Engine: models.EngineLlamaCpp, Source: models.SourceLocalPath, ServedModelName: "c"},
		{Name: "d", Engine: models.EngineVLLM, Source: models.SourceRepoID, RepoID: "x/y"},
		{Name: "e", Engine: models.EngineVLLM, Source: models.SourceRepoID, RepoID: "x/y", ServedModelName: "e", EngineConfig: json.RawMessage(`{`)},
	}
	for i := range bad {
		if err := c.Create(ctx, &bad[i]); err == nil {
			t.Errorf("model %s: invalid create accepted", bad[i].Name)
		}
	}
}

func TestDryRunVLLM(t *testing.T) {
	rt := &fakeRuntime{}
	c, _, _ := testController(t, rt)
	c.engine.GPUVRAMMB = []int{24576}

	util := 0.9
	maxLen := 8192
	cfgJSON, _ := json.Marshal(map[string]interface{}{
		"gpu_memory_utilization": util,
		"max_model_len":          maxLen,
		"tensor_paralel_size":    2, // typo on purpose
		"arch": models.ModelArch{
			ParamsBillion: 7, NumLayers: 32, HeadDim: 128, NumKVHeads: 8,
		},
	})
	m := &models.Model{
		Name:            "dry",
		ServedModelName: "dry",
		Engine:          models.EngineVLLM,
		Source:          models.SourceRepoID,
		RepoID:          "org/dry",
		EngineConfig:    cfgJSON,
		SelectedGPUs:    []int{0},
	}
	if err := c.Create(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	res, err := c.DryRun(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	preview := strings.Join(res.CommandPreview, " ")
	for _, want := range []string{"--model org/dry", "--served-model-name dry", "--gpu-memory-utilization 0.9", "--max-model-len 8192"} {
		if !strings.Contains(preview, want) {
			t.Errorf("preview missing %q: %s", want, preview)
		}
	}
	var sawSuggestion bool
	for _, w := range res.Warnings {
		if strings.Contains(w, "tensor_paralel_size") && strings.Contains(w, "tensor_parallel_size") {
			sawSuggestion = true
		}
	}
	if !sawSuggestion {
		t.Errorf("no typo suggestion in warnings: %v", res.Warnings)
	}
	if res.VRAMEstimate.TotalMB <= 0 {
		t.Errorf("vram estimate missing: %+v", res.VRAMEstimate)
	}
	if res.VRAMEstimate.AvailableMB != 24576 {
		t.Errorf("available = %d", res.VRAMEstimate.AvailableMB)
	}
}

func TestDryRunOfflineTokenizer(t *testing.T) {
	rt := &fakeRuntime{}
	c, _, _ := testController(t, rt)
	c.engine.Offline = true
	c.engine.HFCacheDir = t.TempDir()

	m := &models.Model{
		Name:              "off",
		ServedModelName:   "off",
		Engine:            models.EngineVLLM,
		Source:            models.SourceRepoID,
		RepoID:            "org/off",
		TokenizerOverride: "org/uncached-tokenizer",
	}
	if err := c.Create(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DryRun(context.Background(), m.ID); err == nil {
		t.Fatal("offline dry-run with uncached tokenizer succeeded")
	}

	// Start must also refuse before touching the runtime.
	if err := c.Start(context.Background(), m.ID); err == nil {
		t.Fatal("offline start with uncached tokenizer succeeded")
	}
	if rt.creates != 0 {
		t.Fatalf("container created despite validation failure")
	}
}

func TestLlamaCppCommand(t *testing.T) {
	ngl, ctxSize, slots := 99, 8192, 4
	fa := true
	cfg := &models.LlamaCppConfig{
		NGL: &ngl, ContextSize: &ctxSize, ParallelSlots: &slots,
		FlashAttention: &fa,
		CacheTypeK:     "q8_0",
		SystemPrompt:   "be terse",
		LoraAdapters:   []models.LoraAdapter{{Path: "loras/style.gguf", Scale: 0.5}},
	}
	m := &models.Model{
		ID: 7, Name: "gguf", ServedModelName: "gguf",
		Engine: models.EngineLlamaCpp, Task: models.TaskGenerate,
		Source: models.SourceLocalPath, LocalPath: "m-00003-of-00004.gguf",
	}
	res, err := buildLlamaCppCommand(m, cfg, config.EngineConfig{ConfigsDir: "/cfg"}, "sec")
	if err != nil {
		t.Fatal(err)
	}
	cmd := strings.Join(res.Cmd, " ")
	for _, want := range []string{
		"--model /models/m-00001-of-00004.gguf", // first shard
		"--alias gguf",
		"--n-gpu-layers 99",
		"--ctx-size 8192",
		"--parallel 4",
		"--flash-attn",
		"--cache-type-k q8_0",
		"--lora-scaled /models/loras/style.gguf 0.5",
		"--system-prompt-file /configs/system-prompt-7.txt",
		"--check-tensors",
		"--metrics",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("cmd missing %q: %s", want, cmd)
		}
	}
	if res.Files["/cfg/system-prompt-7.txt"] != "be terse" {
		t.Errorf("system prompt file not generated: %v", res.Files)
	}
}

func TestClassifier(t *testing.T) {
	cases := []struct {
		in   string
		code string
	}{
		{"blah\nCUDA out of memory. Tried to allocate", "oom"},
		{"OSError: We couldn't connect to huggingface", "tokenizer_offline"},
		{"Watchdog caught collective operation timeout", "nccl_timeout"},
		{"CUDA driver version is insufficient for runtime", "driver_mismatch"},
		{"{\"error\":{\"message\":\"Loading model\"}}", "model_loading"},
		{"prompt exceeds the maximum context length", "context_length"},
	}
	for _, tc := range cases {
		if d := Classify(tc.in); d.Code != tc.code || !d.Matched {
			t.Errorf("Classify(%q) = %s", tc.in, d.Code)
		}
	}

	d := Classify("line1\nline2\nline3")
	if d.Matched || d.Code != "unclassified" || !strings.Contains(d.LogTail, "line3") {
		t.Errorf("unmatched output: %+v", d)
	}
}

func TestPortAllocator(t *testing.T) {
	pa := newPortAllocator(48100, 48105)
	p1, err := pa.Allocate(nil)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := pa.Allocate(nil)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatalf("allocated %d twice", p1)
	}
	pa.Release(p1)
	p3, err := pa.Allocate([]int{p2})
	if err != nil {
		t.Fatal(err)
	}
	if p3 == p2 {
		t.Fatalf("allocated in-use port %d", p2)
	}
}

func TestVRAMEstimatePartialOffload(t *testing.T) {
	full := models.LlamaCppConfig{Arch: &models.ModelArch{NumLayers: 40, HeadDim: 128, NumKVHeads: 8}}
	half := full
	ngl := 20
	half.NGL = &ngl

	m := &models.Model{LocalPath: ""}
	estFull := estimateLlamaCpp(m, &full, t.TempDir(), []int{24000})
	estHalf := estimateLlamaCpp(m, &half, t.TempDir(), []int{24000})
	if estHalf.KVCacheMB*2 != estFull.KVCacheMB {
		t.Errorf("partial offload kv = %d, full = %d", estHalf.KVCacheMB, estFull.KVCacheMB)
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		d    int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"kitten", "sitting", 3},
		{"ngl", "ngk", 1},
	}
	for _, tc := range cases {
		if got := levenshtein(tc.a, tc.b); got != tc.d {
			t.Errorf("levenshtein(%q,%q) = %d, want %d", tc.a, tc.b, got, tc.d)
		}
	}
}
