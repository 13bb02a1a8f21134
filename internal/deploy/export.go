package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/contracts"
	"github.com/cortexhub/cortex/pkg/models"
)

// ExportOptions selects what goes into an export directory.
type ExportOptions struct {
	Dir             string `json:"dir,omitempty"`
	IncludeImages   bool   `json:"include_images"`
	IncludeDB       bool   `json:"include_db"`
	IncludeManifest bool   `json:"include_manifests"`
	ArchiveModels   bool   `json:"archive_models"`
}

// ExportResult is the job result payload of a finished export.
type ExportResult struct {
	Dir       string   `json:"dir"`
	Files     []string `json:"files"`
	ImagesTar []string `json:"images,omitempty"`
	ModelIDs  []int64  `json:"model_ids,omitempty"`
}

// Manager runs deployment exports and imports against the store and
// the container runtime.
type Manager struct {
	store  store.Store
	rt     contracts.ContainerRuntime
	engine config.EngineConfig
	deploy config.DeployConfig
}

func NewManager(s store.Store, rt contracts.ContainerRuntime, engine config.EngineConfig, deploy config.DeployConfig) *Manager {
	return &Manager{store: s, rt: rt, engine: engine, deploy: deploy}
}

func (m *Manager) engineImage(e models.Engine) string {
	if e == models.EngineLlamaCpp {
		return m.engine.LlamaCppImage
	}
	return m.engine.VLLMImage
}

// Export writes a self-contained deployment directory: database dump,
// container image tarballs, per-model manifests with tokens redacted,
// optionally the models directory, and a manifest.json hashing it all.
func (m *Manager) Export(ctx context.Context, opts ExportOptions, progress func(step string, frac float64)) (result *ExportResult, err error) {
	if progress == nil {
		progress = func(string, float64) {}
	}
	dir := opts.Dir
	if dir == "" {
		dir = m.deploy.Dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	// Cancellation and failures must not leave a half-written export
	// behind; everything this run created gets removed.
	var created []string
	track := func(rel string) {
		created = append(created, filepath.Join(dir, filepath.FromSlash(rel)))
	}
	defer func() {
		if err == nil {
			return
		}
		for i := len(created) - 1; i >= 0; i-- {
			os.RemoveAll(created[i])
		}
		for _, sub := range []string{filepath.Dir(dbDumpPath), imagesDir, manifestsDir} {
			os.Remove(filepath.Join(dir, sub)) // only when empty
		}
	}()

	manifest := &Manifest{Version: "1", CreatedAt: nowUTC()}
	res := &ExportResult{Dir: dir}

	add := func(relPath string, tokensRedacted bool) error {
		sum, size, err := hashFile(filepath.Join(dir, filepath.FromSlash(relPath)))
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Path:           relPath,
			SHA256:         sum,
			SizeBytes:      size,
			TokensRedacted: tokensRedacted,
		})
		res.Files = append(res.Files, relPath)
		return nil
	}

	allModels, err := m.store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	if opts.IncludeDB {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress("dumping database", 0.1)
		track(dbDumpPath)
		if err := m.exportDB(ctx, dir); err != nil {
			return nil, err
		}
		if err := add(dbDumpPath, false); err != nil {
			return nil, err
		}
	}

	if opts.IncludeManifest {
		progress("writing model manifests", 0.3)
		for _, mod := range allModels {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			track(path.Join(manifestsDir, fmt.Sprintf("model-%d.json", mod.ID)))
			rel, redacted, err := m.exportModelManifest(dir, mod)
			if err != nil {
				return nil, err
			}
			if err := add(rel, redacted); err != nil {
				return nil, err
			}
			res.ModelIDs = append(res.ModelIDs, mod.ID)
		}
	}

	if opts.IncludeImages {
		images := map[string]bool{}
		for _, mod := range allModels {
			images[m.engineImage(mod.Engine)] = true
		}
		i := 0
		for image := range images {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			progress("saving image "+image, 0.4+0.4*float64(i)/float64(len(images)))
			track(path.Join(imagesDir, sanitizeImageName(image)+".tar"))
			rel, err := m.exportImage(ctx, dir, image)
			if err != nil {
				return nil, err
			}
			if err := add(rel, false); err != nil {
				return nil, err
			}
			res.ImagesTar = append(res.ImagesTar, rel)
			i++
		}
	}

	if opts.ArchiveModels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress("archiving models directory", 0.85)
		track(modelsArchiveDir)
		rels, err := copyTree(m.engine.ModelsDir, filepath.Join(dir, modelsArchiveDir), modelsArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("archive models: %w", err)
		}
		for _, rel := range rels {
			if err := add(rel, false); err != nil {
				return nil, err
			}
		}
	}

	progress("writing manifest", 0.95)
	track(manifestFileName)
	if err := writeManifest(dir, manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	log.Info().Str("dir", dir).Int("files", len(manifest.Files)).Msg("deployment export complete")
	return res, nil
}

func (m *Manager) exportDB(ctx context.Context, dir string) error {
	p := filepath.Join(dir, filepath.FromSlash(dbDumpPath))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.store.Dump(ctx, f); err != nil {
		return fmt.Errorf("dump database: %w", err)
	}
	return f.Sync()
}

func (m *Manager) exportModelManifest(dir string, mod models.Model) (rel string, redacted bool, err error) {
	// Strip runtime state; an imported model always starts stopped on
	// a fresh port with a fresh container.
	mod.State = models.StateStopped
	mod.ContainerName = ""
	mod.HostPort = 0
	mod.LastError = ""
	mod.EngineConfig, redacted = redactTokens(mod.EngineConfig)

	mm := modelManifest{Model: mod, ExportedAt: nowUTC(), Image: m.engineImage(mod.Engine)}
	b, err := json.MarshalIndent(mm, "", "  ")
	if err != nil {
		return "", false, err
	}

	rel = path.Join(manifestsDir, fmt.Sprintf("model-%d.json", mod.ID))
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", false, err
	}
	if err := os.WriteFile(p, append(b, '\n'), 0o644); err != nil {
		return "", false, err
	}
	return rel, redacted, nil
}

func (m *Manager) exportImage(ctx context.Context, dir, image string) (string, error) {
	rel := path.Join(imagesDir, sanitizeImageName(image)+".tar")
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := m.rt.SaveImages(ctx, []string{image}, f); err != nil {
		return "", fmt.Errorf("save image %s: %w", image, err)
	}
	return rel, f.Sync()
}

func sanitizeImageName(image string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(image)
}

// copyTree copies src into dst and returns the manifest-relative paths
// of every copied file.
func copyTree(src, dst, relBase string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(p, target); err != nil {
			return err
		}
		rels = append(rels, path.Join(relBase, filepath.ToSlash(rel)))
		return nil
	})
	return rels, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
