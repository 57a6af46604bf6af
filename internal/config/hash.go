package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is written next to the configuration file.
const ChecksumFile = ".checksums"

// ChecksumManifest records the BLAKE3 hash of every locked file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockedFile is one entry of a lock report.
type LockedFile struct {
	Key  string
	Path string
	Hash string
}

// LockReport describes a written manifest.
type LockReport struct {
	ChecksumPath string
	Files        []LockedFile
}

// ChecksumPath returns where the manifest for cfg lives.
func ChecksumPath(cfg *Config) string {
	return filepath.Join(filepath.Dir(cfg.Path), ChecksumFile)
}

// lockedFiles maps manifest keys to the files they cover: the configuration
// itself and the engine script. Keys are relative to the configuration
// directory when possible.
func lockedFiles(cfg *Config) map[string]string {
	dir := filepath.Dir(cfg.Path)
	out := make(map[string]string, 2)
	for _, p := range []string{cfg.Path, cfg.Task.Script} {
		if p == "" {
			continue
		}
		key := p
		if rel, err := filepath.Rel(dir, p); err == nil && filepath.IsLocal(rel) {
			key = filepath.ToSlash(rel)
		}
		out[key] = p
	}
	return out
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// WriteChecksums hashes the locked files of cfg and writes the manifest.
func WriteChecksums(cfg *Config) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}
	report := &LockReport{ChecksumPath: ChecksumPath(cfg)}

	for key, path := range lockedFiles(cfg) {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", key, err)
		}
		manifest.Hashes[key] = hash
		report.Files = append(report.Files, LockedFile{Key: key, Path: path, Hash: hash})
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Key < report.Files[j].Key })

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Restrictive permissions: the manifest is what tampering is judged against.
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return report, nil
}

// LoadChecksums reads the manifest for cfg. A missing manifest returns
// os.ErrNotExist.
func LoadChecksums(cfg *Config) (*ChecksumManifest, error) {
	data, err := os.ReadFile(ChecksumPath(cfg))
	if err != nil {
		return nil, err
	}
	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums checks the locked files against the manifest. Without a
// manifest there is nothing to verify.
func VerifyChecksums(cfg *Config) error {
	manifest, err := LoadChecksums(cfg)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for key, path := range lockedFiles(cfg) {
		expected, ok := manifest.Hashes[key]
		if !ok {
			return fmt.Errorf("%s has no hash in %s\nRun: scriptbatch config lock --config %s", key, ChecksumPath(cfg), cfg.Path)
		}
		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			return fmt.Errorf("config verification failed for %s: %w", key, err)
		}
		if actual != expected {
			return fmt.Errorf("config verification failed: hash mismatch for %s\n"+
				"If you edited this file intentionally, run: scriptbatch config lock --config %s", key, cfg.Path)
		}
	}
	return nil
}
