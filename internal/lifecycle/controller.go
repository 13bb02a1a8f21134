package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/internal/registry"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/contracts"
	"github.com/cortexhub/cortex/pkg/models"
)

// ErrIllegalTransition is returned when an operation is not legal in the
// model's current state.
type ErrIllegalTransition struct {
	From    models.ModelState
	Trigger string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("cannot %s a model in state %s", e.Trigger, e.From)
}

// failedLogTail is how much container output feeds the classifier when
// a start fails.
const failedLogTail = 200

// Controller drives the model container state machine:
//
//	stopped → starting → loading → running → stopped
//	                 ↘ failed ↙
//
// Containers never auto-restart; every transition is either an admin
// action or a readiness-probe outcome.
type Controller struct {
	store  store.Store
	rt     contracts.ContainerRuntime
	reg    *registry.Registry
	met    *metrics.Metrics
	engine config.EngineConfig
	secret string
	ports  *portAllocator

	// UpstreamHost is the address upstream containers are reachable at
	// from the gateway, normally loopback via published ports.
	UpstreamHost string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	client             *http.Client
	statusPollInterval time.Duration
	readyPollInterval  time.Duration
	earlyExitWindow    time.Duration
	watchInterval      time.Duration
	nowFn              func() time.Time
}

func NewController(s store.Store, rt contracts.ContainerRuntime, reg *registry.Registry, met *metrics.Metrics, engine config.EngineConfig, internalSecret string) *Controller {
	return &Controller{
		store:              s,
		rt:                 rt,
		reg:                reg,
		met:                met,
		engine:             engine,
		secret:             internalSecret,
		ports:              newPortAllocator(engine.PortRangeLo, engine.PortRangeHi),
		UpstreamHost:       "127.0.0.1",
		locks:              make(map[int64]*sync.Mutex),
		client:             &http.Client{Timeout: 3 * time.Second},
		statusPollInterval: 500 * time.Millisecond,
		readyPollInterval:  2 * time.Second,
		earlyExitWindow:    5 * time.Second,
		watchInterval:      5 * time.Second,
		nowFn:              time.Now,
	}
}

// modelLock serializes lifecycle operations per model. Operations on
// different models proceed concurrently.
func (c *Controller) modelLock(id int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// Create validates and persists a new model row in stopped state.
func (c *Controller) Create(ctx context.Context, m *models.Model) error {
	if m.ServedModelName == "" {
		return fmt.Errorf("served_model_name is required")
	}
	switch m.Engine {
	case models.EngineVLLM, models.EngineLlamaCpp:
	default:
		return fmt.Errorf("unknown engine %q", m.Engine)
	}
	switch m.Task {
	case "":
		m.Task = models.TaskGenerate
	case models.TaskGenerate, models.TaskEmbed:
	default:
		return fmt.Errorf("unknown task %q", m.Task)
	}
	switch m.Source {
	case models.SourceLocalPath:
		if m.LocalPath == "" {
			return fmt.Errorf("local_path is required for source %q", m.Source)
		}
	case models.SourceRepoID:
		if m.RepoID == "" {
			return fmt.Errorf("repo_id is required for source %q", m.Source)
		}
	default:
		return fmt.Errorf("unknown source %q", m.Source)
	}
	if len(m.EngineConfig) > 0 && !json.Valid(m.EngineConfig) {
		return fmt.Errorf("engine_config is not valid JSON")
	}
	if len(m.RequestDefaults) > 0 && !json.Valid(m.RequestDefaults) {
		return fmt.Errorf("request_defaults is not valid JSON")
	}

	m.State = models.StateStopped
	now := c.nowFn().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	return c.store.CreateModel(ctx, m)
}

// Update applies changes to a model. Engine-affecting fields only change
// while the model is stopped or failed.
func (c *Controller) Update(ctx context.Context, m *models.Model) error {
	lock := c.modelLock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.store.GetModel(ctx, m.ID)
	if err != nil {
		return err
	}
	if current.State != models.StateStopped && current.State != models.StateFailed {
		return &ErrIllegalTransition{From: current.State, Trigger: "update"}
	}
	m.State = current.State
	m.ContainerName = current.ContainerName
	m.HostPort = current.HostPort
	m.CreatedAt = current.CreatedAt
	m.UpdatedAt = c.nowFn().UTC()
	return c.store.UpdateModel(ctx, m)
}

// Delete removes a stopped or failed model and any leftover container.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	lock := c.modelLock(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if m.State != models.StateStopped && m.State != models.StateFailed {
		return &ErrIllegalTransition{From: m.State, Trigger: "delete"}
	}
	if m.ContainerName != "" {
		if err := c.rt.RemoveContainer(ctx, m.ContainerName); err != nil {
			log.Warn().Err(err).Str("container", m.ContainerName).Msg("remove container during delete")
		}
	}
	if m.HostPort != 0 {
		c.ports.Release(m.HostPort)
	}
	c.reg.Deregister(id)
	return c.store.DeleteModel(ctx, id)
}

// DryRun previews the start: command line, warnings, VRAM estimate.
func (c *Controller) DryRun(ctx context.Context, id int64) (DryRunResult, error) {
	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return DryRunResult{}, err
	}
	return synthesize(m, c.engine, c.secret)
}

// Start runs the startup sequence through container launch, then hands
// readiness off to a background watcher. Legal from stopped and failed.
func (c *Controller) Start(ctx context.Context, id int64) error {
	lock := c.modelLock(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if m.State != models.StateStopped && m.State != models.StateFailed {
		return &ErrIllegalTransition{From: m.State, Trigger: "start"}
	}

	// Validation precedes any container work; a bad config never leaves
	// stopped state.
	build, err := synthesize(m, c.engine, c.secret)
	if err != nil {
		return err
	}

	if err := c.transition(ctx, m, models.StateStarting, ""); err != nil {
		return err
	}

	fail := func(cause error) error {
		_ = c.transition(context.WithoutCancel(ctx), m, models.StateFailed, cause.Error())
		return cause
	}

	inUse, err := c.portsInUse(ctx, id)
	if err != nil {
		return fail(err)
	}
	port, err := c.ports.Allocate(inUse)
	if err != nil {
		return fail(err)
	}
	m.HostPort = port

	for p, content := range build.files {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fail(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return fail(err)
		}
	}

	spec := c.containerSpec(m, build)
	containerID, err := c.rt.CreateContainer(ctx, spec)
	if err != nil {
		return fail(err)
	}
	m.ContainerName = containerID

	if err := c.rt.StartContainer(ctx, containerID); err != nil {
		return fail(err)
	}
	if err := c.transition(ctx, m, models.StateLoading, ""); err != nil {
		return err
	}

	go c.awaitReady(context.WithoutCancel(ctx), m.ID)
	return nil
}

func (c *Controller) portsInUse(ctx context.Context, excludeID int64) ([]int, error) {
	all, err := c.store.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, m := range all {
		if m.ID != excludeID && m.HostPort != 0 && m.Active() {
			out = append(out, m.HostPort)
		}
	}
	return out, nil
}

func (c *Controller) containerSpec(m *models.Model, build DryRunResult) contracts.ContainerSpec {
	servingPort := vllmServingPort
	shm := int64(8 << 30)
	if m.Engine == models.EngineLlamaCpp {
		servingPort = llamaServingPort
		shm = 0
	}

	mounts := []contracts.Mount{
		{Source: c.engine.ModelsDir, Target: containerModelsDir, ReadOnly: true},
	}
	if c.engine.HFCacheDir != "" && m.Engine == models.EngineVLLM {
		mounts = append(mounts, contracts.Mount{Source: c.engine.HFCacheDir, Target: containerHFCacheDir})
	}
	if m.Engine == models.EngineLlamaCpp {
		mounts = append(mounts, contracts.Mount{Source: c.engine.ConfigsDir, Target: containerConfigsDir, ReadOnly: true})
	}

	gpus := make([]string, len(m.SelectedGPUs))
	for i, g := range m.SelectedGPUs {
		gpus[i] = fmt.Sprintf("%d", g)
	}

	image := c.engine.VLLMImage
	if m.Engine == models.EngineLlamaCpp {
		image = c.engine.LlamaCppImage
	}

	startupTimeout := c.startupTimeout(m)
	return contracts.ContainerSpec{
		Name:         fmt.Sprintf("cortex-model-%d", m.ID),
		Image:        image,
		Cmd:          build.CommandPreview,
		Env:          build.Env,
		Mounts:       mounts,
		HostPort:     m.HostPort,
		ServingPort:  servingPort,
		Network:      c.engine.DockerNet,
		GPUDeviceIDs: gpus,
		ShmSizeBytes: shm,
		Healthcheck: &contracts.Healthcheck{
			Test:        []string{"CMD-SHELL", fmt.Sprintf("curl -sf http://localhost:%d/health || wget -qO- http://localhost:%d/health", servingPort, servingPort)},
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
			StartPeriod: startupTimeout,
			Retries:     3,
		},
		Labels: map[string]string{
			"cortex.model_id":    fmt.Sprintf("%d", m.ID),
			"cortex.served_name": m.ServedModelName,
		},
	}
}

func (c *Controller) startupTimeout(m *models.Model) time.Duration {
	if m.StartupTimeoutSec > 0 {
		return time.Duration(m.StartupTimeoutSec) * time.Second
	}
	return c.engine.StartupTimeout(string(m.Engine))
}

// awaitReady watches a freshly started container. For the first few
// seconds an exited container fails fast with classified logs; after
// that the readiness probe runs until success or the startup deadline.
// Polling runs without the model lock so an admin stop during loading
// is never blocked; every decision re-reads persisted state first.
func (c *Controller) awaitReady(ctx context.Context, id int64) {
	m, err := c.store.GetModel(ctx, id)
	if err != nil || m.State != models.StateLoading {
		return
	}

	deadline := c.nowFn().Add(c.startupTimeout(m))
	earlyUntil := c.nowFn().Add(c.earlyExitWindow)

	stillLoading := func() bool {
		cur, err := c.store.GetModel(ctx, id)
		return err == nil && cur.State == models.StateLoading
	}

	for c.nowFn().Before(earlyUntil) {
		st, err := c.rt.InspectContainer(ctx, m.ContainerName)
		if err == nil && !st.Running {
			c.concludeLoading(ctx, id, false, fmt.Sprintf("container exited with code %d", st.ExitCode))
			return
		}
		if !sleepCtx(ctx, c.statusPollInterval) || !stillLoading() {
			return
		}
	}

	for c.nowFn().Before(deadline) {
		if st, err := c.rt.InspectContainer(ctx, m.ContainerName); err == nil && !st.Running {
			c.concludeLoading(ctx, id, false, fmt.Sprintf("container exited with code %d", st.ExitCode))
			return
		}
		if c.ready(ctx, m) {
			c.concludeLoading(ctx, id, true, "")
			return
		}
		if !sleepCtx(ctx, c.readyPollInterval) || !stillLoading() {
			return
		}
	}
	c.concludeLoading(ctx, id, false, "readiness deadline exceeded")
}

// concludeLoading finishes the loading phase under the model lock,
// re-verifying state so it never races an admin stop.
func (c *Controller) concludeLoading(ctx context.Context, id int64, ok bool, cause string) {
	lock := c.modelLock(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.store.GetModel(ctx, id)
	if err != nil || m.State != models.StateLoading {
		return
	}
	if !ok {
		c.failWithLogs(ctx, m, cause)
		return
	}
	if err := c.transition(ctx, m, models.StateRunning, ""); err != nil {
		return
	}
	c.reg.Register(models.RegistryEntry{
		ServedName:  m.ServedModelName,
		ModelID:     m.ID,
		UpstreamURL: fmt.Sprintf("http://%s:%d", c.UpstreamHost, m.HostPort),
		Task:        m.Task,
		Engine:      m.Engine,
		Health:      models.UpstreamHealth{OK: true, LastCheckAt: c.nowFn()},
	})
}

// WatchContainers keeps inspecting the containers of running models
// until ctx is cancelled. A container that died after readiness demotes
// its model to failed with classified logs; it is never restarted.
func (c *Controller) WatchContainers(ctx context.Context) {
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepContainers(ctx)
		}
	}
}

// SweepContainers inspects every running model's container once.
func (c *Controller) SweepContainers(ctx context.Context) {
	list, err := c.store.ListModels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("container sweep: list models")
		return
	}
	for _, m := range list {
		if m.State != models.StateRunning || m.ContainerName == "" {
			continue
		}
		st, err := c.rt.InspectContainer(ctx, m.ContainerName)
		if err != nil {
			// Transient runtime errors must not demote a live model;
			// the sweep retries on the next tick.
			log.Warn().Err(err).Int64("model_id", m.ID).
				Str("container", m.ContainerName).Msg("container sweep: inspect")
			continue
		}
		if st.Running {
			continue
		}
		c.concludeRunning(ctx, m.ID, fmt.Sprintf("container exited with code %d", st.ExitCode))
	}
}

// concludeRunning demotes a running model whose container died, under
// the model lock so it cannot race an admin stop.
func (c *Controller) concludeRunning(ctx context.Context, id int64, cause string) {
	lock := c.modelLock(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.store.GetModel(ctx, id)
	if err != nil || m.State != models.StateRunning {
		return
	}
	c.reg.Deregister(m.ID)
	c.failWithLogs(ctx, m, cause)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ready checks liveness then that the served-model list contains the
// expected name.
func (c *Controller) ready(ctx context.Context, m *models.Model) bool {
	base := fmt.Sprintf("http://%s:%d", c.UpstreamHost, m.HostPort)
	resp, err := c.getURL(ctx, base+"/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	resp, err = c.getURL(ctx, base+"/v1/models")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var list models.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return false
	}
	for _, mi := range list.Data {
		if mi.ID == m.ServedModelName {
			return true
		}
	}
	return false
}

func (c *Controller) getURL(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *Controller) failWithLogs(ctx context.Context, m *models.Model, cause string) {
	diag := Diagnosis{Code: "unclassified", Message: cause}
	if out, err := c.rt.ContainerLogs(ctx, m.ContainerName, failedLogTail); err == nil && out != "" {
		diag = Classify(out)
		if !diag.Matched {
			diag.Message = cause + "; no pattern matched"
		}
	}
	_ = c.transition(ctx, m, models.StateFailed, diag.String())
}

// Stop terminates and removes the container and releases the served
// name. Legal from any non-stopped state.
func (c *Controller) Stop(ctx context.Context, id int64) error {
	lock := c.modelLock(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if m.State == models.StateStopped {
		return &ErrIllegalTransition{From: m.State, Trigger: "stop"}
	}

	if m.ContainerName != "" {
		if err := c.rt.StopContainer(ctx, m.ContainerName, 30*time.Second); err != nil {
			log.Warn().Err(err).Str("container", m.ContainerName).Msg("stop container")
		}
		if err := c.rt.RemoveContainer(ctx, m.ContainerName); err != nil {
			log.Warn().Err(err).Str("container", m.ContainerName).Msg("remove container")
		}
	}
	c.reg.Deregister(id)
	if m.HostPort != 0 {
		c.ports.Release(m.HostPort)
		m.HostPort = 0
	}
	m.ContainerName = ""
	return c.transition(ctx, m, models.StateStopped, "")
}

// TestResult reports a direct probe of a model's upstream.
type TestResult struct {
	Reachable  bool   `json:"reachable"`
	ServesName bool   `json:"serves_name"`
	LatencyMs  int64  `json:"latency_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Test probes a running model's upstream directly, bypassing the
// registry.
func (c *Controller) Test(ctx context.Context, id int64) (TestResult, error) {
	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	if m.State != models.StateRunning && m.State != models.StateLoading {
		return TestResult{}, &ErrIllegalTransition{From: m.State, Trigger: "test"}
	}

	start := c.nowFn()
	ok := c.ready(ctx, m)
	res := TestResult{
		Reachable:  ok,
		ServesName: ok,
		LatencyMs:  c.nowFn().Sub(start).Milliseconds(),
	}
	if !ok {
		res.Detail = "upstream not ready or served name missing"
	} else if m.State == models.StateLoading {
		// A probe succeeded while loading; advance without waiting for
		// the watcher.
		res.Detail = "advanced loading model to running"
		c.concludeLoading(ctx, m.ID, true, "")
	}
	return res, nil
}

// Logs returns the last tail lines of the model's container output.
func (c *Controller) Logs(ctx context.Context, id int64, tail int) (string, error) {
	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return "", err
	}
	if m.ContainerName == "" {
		return "", fmt.Errorf("model %d has no container", id)
	}
	if tail <= 0 {
		tail = 100
	}
	return c.rt.ContainerLogs(ctx, m.ContainerName, tail)
}

// legalTransitions is the full transition relation keyed by origin.
var legalTransitions = map[models.ModelState][]models.ModelState{
	models.StateStopped:  {models.StateStarting},
	models.StateStarting: {models.StateLoading, models.StateFailed, models.StateStopped},
	models.StateLoading:  {models.StateRunning, models.StateFailed, models.StateStopped},
	models.StateRunning:  {models.StateStopped, models.StateFailed},
	models.StateFailed:   {models.StateStarting, models.StateStopped},
}

func legal(from, to models.ModelState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition persists a state change, updating last_error and emitting
// the state metric. The model argument is mutated in place.
func (c *Controller) transition(ctx context.Context, m *models.Model, to models.ModelState, lastError string) error {
	if !legal(m.State, to) {
		return &ErrIllegalTransition{From: m.State, Trigger: "enter " + string(to)}
	}
	from := m.State
	m.State = to
	m.LastError = lastError
	m.UpdatedAt = c.nowFn().UTC()
	if err := c.store.UpdateModel(ctx, m); err != nil {
		m.State = from
		return err
	}
	c.met.StateTransitions.WithLabelValues(string(m.Engine), string(to)).Inc()
	ev := log.Info().Int64("model_id", m.ID).Str("from", string(from)).Str("to", string(to))
	if lastError != "" {
		ev = ev.Str("last_error", firstLine(lastError))
	}
	ev.Msg("model state transition")
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
