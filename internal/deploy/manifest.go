// Package deploy implements portable deployment export and import:
// database dumps, container image tarballs, and per-model manifests,
// tied together by a checksum manifest.
package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cortexhub/cortex/pkg/models"
)

const (
	manifestFileName = "manifest.json"
	dbDumpPath       = "db/cortex.sql"
	imagesDir        = "images"
	manifestsDir     = "manifests"
	modelsArchiveDir = "models"

	// redactedMarker replaces HuggingFace-style tokens in exported
	// model manifests. Tokens are never restored on import.
	redactedMarker = "__REDACTED__"
)

// ManifestFile is one exported file with its integrity hash.
type ManifestFile struct {
	Path           string `json:"path"`
	SHA256         string `json:"sha256"`
	SizeBytes      int64  `json:"size_bytes"`
	TokensRedacted bool   `json:"tokens_redacted,omitempty"`
}

// Manifest is the top-level manifest.json of an export directory.
type Manifest struct {
	Version   string         `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

// ChecksumError reports a file whose content does not match the
// manifest. It maps to the checksum_mismatch error code.
type ChecksumError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: manifest %s, file %s", e.Path, e.Want, e.Got)
}

func nowUTC() time.Time { return time.Now().UTC() }

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func writeManifest(dir string, m *Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestFileName), append(b, '\n'), 0o644)
}

func loadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// verifyManifest re-hashes every file named in manifest.json and fails
// on the first mismatch. Image tarballs and model archives are checked
// the same way as everything else.
func verifyManifest(dir string, m *Manifest) error {
	for _, f := range m.Files {
		sum, _, err := hashFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return fmt.Errorf("hash %s: %w", f.Path, err)
		}
		if sum != f.SHA256 {
			return &ChecksumError{Path: f.Path, Want: f.SHA256, Got: sum}
		}
	}
	return nil
}

// redactTokens blanks HuggingFace-style token values inside an engine
// config blob and reports whether anything was replaced.
func redactTokens(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return raw, false
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return raw, false
	}
	redacted := false
	for k, v := range cfg {
		s, ok := v.(string)
		if !ok || s == "" || s == redactedMarker {
			continue
		}
		if isTokenKey(k) {
			cfg[k] = redactedMarker
			redacted = true
		}
	}
	if !redacted {
		return raw, false
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return raw, false
	}
	return out, true
}

func isTokenKey(k string) bool {
	switch k {
	case "hf_token", "huggingface_token", "token", "api_token":
		return true
	}
	return false
}

// modelManifest is the manifests/model-{id}.json payload: the model row
// minus runtime state, safe to import elsewhere.
type modelManifest struct {
	Model      models.Model `json:"model"`
	ExportedAt time.Time    `json:"exported_at"`
	Image      string       `json:"image"`
}
