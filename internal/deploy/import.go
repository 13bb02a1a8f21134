package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/pkg/models"
)

// renameSuffix is appended to the served name when an import collides
// with an existing model and renaming was requested.
const renameSuffix = "-imported"

// ErrNameConflict maps to the name_conflict error code.
var ErrNameConflict = errors.New("served model name already in use")

// ImportDBOptions controls a database restore.
type ImportDBOptions struct {
	Dir string `json:"dir,omitempty"`
	// PreRestoreBackup dumps the current database next to the import
	// before touching anything.
	PreRestoreBackup bool `json:"pre_restore_backup"`
	DropExisting     bool `json:"drop_existing"`
	// SkipChecksums bypasses manifest verification. Explicit opt-in.
	SkipChecksums bool `json:"skip_checksums"`
}

// ImportDB restores the database from an export directory. On success
// every model row is forced to stopped; containers from the old host do
// not exist here.
func (m *Manager) ImportDB(ctx context.Context, opts ImportDBOptions, progress func(step string, frac float64)) error {
	if progress == nil {
		progress = func(string, float64) {}
	}
	dir := opts.Dir
	if dir == "" {
		dir = m.deploy.Dir
	}
	dumpPath := filepath.Join(dir, filepath.FromSlash(dbDumpPath))
	if _, err := os.Stat(dumpPath); err != nil {
		return fmt.Errorf("database dump not found at %s: %w", dumpPath, err)
	}

	if !opts.SkipChecksums {
		progress("verifying checksums", 0.1)
		if err := m.verifyDir(dir); err != nil {
			return err
		}
	}

	if opts.PreRestoreBackup {
		progress("taking pre-restore backup", 0.3)
		backupDir := filepath.Join(dir, "pre_restore_backup")
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			return fmt.Errorf("create backup dir: %w", err)
		}
		backupPath := filepath.Join(backupDir, fmt.Sprintf("cortex-%d.sql", nowUTC().Unix()))
		f, err := os.Create(backupPath)
		if err != nil {
			return fmt.Errorf("create backup file: %w", err)
		}
		if err := m.store.Dump(ctx, f); err != nil {
			f.Close()
			return fmt.Errorf("pre-restore backup: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Info().Str("path", backupPath).Msg("pre-restore backup written")
	}

	progress("restoring database", 0.5)
	f, err := os.Open(dumpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.store.Restore(ctx, f, opts.DropExisting); err != nil {
		return fmt.Errorf("restore database: %w", err)
	}

	progress("resetting model states", 0.9)
	if err := m.store.ResetModelStates(ctx); err != nil {
		return fmt.Errorf("reset model states: %w", err)
	}
	return nil
}

// ImportModelOptions controls a single model import.
type ImportModelOptions struct {
	Dir string `json:"dir,omitempty"`
	// Manifest is the manifest file name under manifests/, e.g.
	// "model-3.json".
	Manifest string `json:"manifest"`
	// RenameOnConflict renames the served name with a fixed suffix
	// instead of failing when it is already taken.
	RenameOnConflict bool `json:"rename_on_conflict"`
	SkipChecksums    bool `json:"skip_checksums"`
}

// ImportModel creates a stopped model row from an exported manifest
// after checking that the engine image is present, the local path
// exists for offline models, and the served name is free.
func (m *Manager) ImportModel(ctx context.Context, opts ImportModelOptions, progress func(step string, frac float64)) (*models.Model, error) {
	if progress == nil {
		progress = func(string, float64) {}
	}
	dir := opts.Dir
	if dir == "" {
		dir = m.deploy.Dir
	}

	if !opts.SkipChecksums {
		progress("verifying checksums", 0.1)
		if err := m.verifyDir(dir); err != nil {
			return nil, err
		}
	}

	mm, err := readModelManifest(filepath.Join(dir, manifestsDir, opts.Manifest))
	if err != nil {
		return nil, err
	}
	mod := mm.Model

	progress("checking prerequisites", 0.4)
	image := mm.Image
	if image == "" {
		image = m.engineImage(mod.Engine)
	}
	present, err := m.rt.ImageExists(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", image, err)
	}
	if !present {
		return nil, fmt.Errorf("engine image %s not present; load it from the export first", image)
	}
	if mod.Offline && mod.LocalPath != "" {
		if _, err := os.Stat(filepath.Join(m.engine.ModelsDir, mod.LocalPath)); err != nil {
			return nil, fmt.Errorf("offline model path %s not found under %s", mod.LocalPath, m.engine.ModelsDir)
		}
	}

	if taken, err := m.servedNameTaken(ctx, mod.ServedModelName); err != nil {
		return nil, err
	} else if taken {
		if !opts.RenameOnConflict {
			return nil, fmt.Errorf("%w: %s", ErrNameConflict, mod.ServedModelName)
		}
		mod.ServedModelName += renameSuffix
		mod.Name += renameSuffix
		if again, err := m.servedNameTaken(ctx, mod.ServedModelName); err != nil {
			return nil, err
		} else if again {
			return nil, fmt.Errorf("%w: %s", ErrNameConflict, mod.ServedModelName)
		}
	}

	progress("creating model", 0.8)
	mod.ID = 0
	mod.State = models.StateStopped
	mod.ContainerName = ""
	mod.HostPort = 0
	mod.LastError = ""
	// Tokens were redacted on export; scrub the marker so the imported
	// config does not carry a bogus credential.
	mod.EngineConfig = dropRedactedTokens(mod.EngineConfig)

	if err := m.store.CreateModel(ctx, &mod); err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	log.Info().Int64("model_id", mod.ID).Str("served_name", mod.ServedModelName).Msg("model imported")
	return &mod, nil
}

// ListModelManifests returns the manifest file names under the export
// directory, sorted for stable listings.
func (m *Manager) ListModelManifests(dir string) ([]string, error) {
	if dir == "" {
		dir = m.deploy.Dir
	}
	entries, err := os.ReadDir(filepath.Join(dir, manifestsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadImages loads every images/*.tar from the export directory into
// the container runtime.
func (m *Manager) LoadImages(ctx context.Context, dir string, skipChecksums bool, progress func(step string, frac float64)) error {
	if progress == nil {
		progress = func(string, float64) {}
	}
	if dir == "" {
		dir = m.deploy.Dir
	}
	if !skipChecksums {
		progress("verifying checksums", 0.1)
		if err := m.verifyDir(dir); err != nil {
			return err
		}
	}
	tars, err := filepath.Glob(filepath.Join(dir, imagesDir, "*.tar"))
	if err != nil {
		return err
	}
	sort.Strings(tars)
	for i, tar := range tars {
		progress("loading "+filepath.Base(tar), 0.2+0.8*float64(i)/float64(len(tars)))
		f, err := os.Open(tar)
		if err != nil {
			return err
		}
		err = m.rt.LoadImages(ctx, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("load %s: %w", filepath.Base(tar), err)
		}
	}
	return nil
}

func (m *Manager) verifyDir(dir string) error {
	manifest, err := loadManifest(dir)
	if err != nil {
		return err
	}
	return verifyManifest(dir, manifest)
}

func (m *Manager) servedNameTaken(ctx context.Context, servedName string) (bool, error) {
	all, err := m.store.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, mod := range all {
		if mod.ServedModelName == servedName {
			return true, nil
		}
	}
	return false, nil
}

func readModelManifest(path string) (*modelManifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model manifest: %w", err)
	}
	var mm modelManifest
	if err := json.Unmarshal(b, &mm); err != nil {
		return nil, fmt.Errorf("parse model manifest: %w", err)
	}
	if mm.Model.ServedModelName == "" {
		return nil, fmt.Errorf("model manifest %s has no served name", filepath.Base(path))
	}
	return &mm, nil
}

func dropRedactedTokens(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return raw
	}
	changed := false
	for k, v := range cfg {
		if s, ok := v.(string); ok && s == redactedMarker {
			delete(cfg, k)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return raw
	}
	return out
}
