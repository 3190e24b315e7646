// Package terraform resolves, downloads and caches the terraform binary.
package terraform

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yairfalse/terradrift/internal/telemetry"
)

const (
	// DefaultVersion is downloaded when no version is requested and
	// terraform is not on PATH.
	DefaultVersion = "1.7.5"

	// DefaultMirror is the HashiCorp release host.
	DefaultMirror = "https://releases.hashicorp.com/terraform"

	// EnvCacheDir overrides the binary cache root.
	EnvCacheDir = "TERRADRIFT_TF_CACHE"

	// EnvMirror overrides the release download base URL.
	EnvMirror = "TERRADRIFT_TF_MIRROR"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrBinaryNotInArchive  = errors.New("terraform executable not found in archive")
)

var (
	supportedOS   = map[string]bool{"linux": true, "darwin": true, "windows": true, "freebsd": true, "openbsd": true, "solaris": true}
	supportedArch = map[string]bool{"amd64": true, "arm64": true, "386": true, "arm": true}
)

// Manager guarantees a usable terraform executable.
type Manager struct {
	cacheRoot string
	mirror    string
	client    *http.Client
	lookPath  func(string) (string, error)
	goos      string
	goarch    string

	group    singleflight.Group
	versions sync.Map // binary path -> version string

	logger *telemetry.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCacheRoot sets the directory binaries are cached under.
func WithCacheRoot(dir string) Option {
	return func(m *Manager) { m.cacheRoot = dir }
}

// WithMirror sets the release base URL.
func WithMirror(url string) Option {
	return func(m *Manager) { m.mirror = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithoutPathLookup forces the cache/download path even if terraform is on PATH.
func WithoutPathLookup() Option {
	return func(m *Manager) { m.lookPath = nil }
}

// WithPlatform overrides the detected GOOS/GOARCH.
func WithPlatform(goos, goarch string) Option {
	return func(m *Manager) {
		m.goos = goos
		m.goarch = goarch
	}
}

// NewManager creates a Manager honouring TERRADRIFT_TF_CACHE and TERRADRIFT_TF_MIRROR.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		cacheRoot: os.Getenv(EnvCacheDir),
		mirror:    DefaultMirror,
		client:    &http.Client{Timeout: 5 * time.Minute},
		lookPath:  exec.LookPath,
		goos:      runtime.GOOS,
		goarch:    runtime.GOARCH,
		logger:    telemetry.NewLogger("terraform"),
	}
	if mirror := os.Getenv(EnvMirror); mirror != "" {
		m.mirror = strings.TrimRight(mirror, "/")
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cacheRoot == "" {
		m.cacheRoot = defaultCacheRoot()
	}
	return m
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "terradrift", "terraform")
	}
	return filepath.Join(os.TempDir(), "terradrift", "terraform")
}

func (m *Manager) binaryName() string {
	if m.goos == "windows" {
		return "terraform.exe"
	}
	return "terraform"
}

// CachePath returns where the binary for version lives in the cache.
func (m *Manager) CachePath(version string) string {
	if version == "" {
		version = DefaultVersion
	}
	return filepath.Join(m.cacheRoot, version, m.binaryName())
}

// Resolve returns a path to a terraform executable. PATH wins; otherwise the
// requested version (DefaultVersion if empty) is served from the cache,
// downloading it first when missing. Safe for concurrent use.
func (m *Manager) Resolve(ctx context.Context, version string) (string, error) {
	if m.lookPath != nil {
		if bin, err := m.lookPath("terraform"); err == nil {
			m.logger.Debug().Str("path", bin).Msg("using terraform from PATH")
			return bin, nil
		}
	}

	if version == "" {
		version = DefaultVersion
	}
	binPath := m.CachePath(version)
	if m.isExecutableFile(binPath) {
		return binPath, nil
	}

	_, err, _ := m.group.Do(version, func() (any, error) {
		// another caller may have finished while we waited
		if m.isExecutableFile(binPath) {
			return nil, nil
		}
		return nil, m.download(ctx, version, binPath)
	})
	if err != nil {
		return "", err
	}
	return binPath, nil
}

// DownloadURL returns the release archive URL for version on this platform.
func (m *Manager) DownloadURL(version string) (string, error) {
	if !supportedOS[m.goos] || !supportedArch[m.goarch] {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, m.goos, m.goarch)
	}
	file := fmt.Sprintf("terraform_%s_%s_%s.zip", version, m.goos, m.goarch)
	return fmt.Sprintf("%s/%s/%s", m.mirror, version, file), nil
}

func (m *Manager) download(ctx context.Context, version, binPath string) error {
	url, err := m.DownloadURL(version)
	if err != nil {
		return err
	}

	dir := filepath.Dir(binPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	start := time.Now()
	m.logger.Info().Str("version", version).Str("url", url).Msg("downloading terraform")

	archive, err := m.fetchArchive(ctx, url, dir)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archive) }()

	tmp, err := extractBinary(archive, m.binaryName(), dir)
	if err != nil {
		return err
	}

	// rename is atomic within a directory, so a concurrent scan never
	// observes a partially written executable
	if err := os.Rename(tmp, binPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install terraform binary: %w", err)
	}

	m.logger.Info().
		Str("version", version).
		Str("path", binPath).
		Dur("duration", time.Since(start)).
		Msg("terraform installed")
	return nil
}

func (m *Manager) fetchArchive(ctx context.Context, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download terraform: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download terraform %s: unexpected status %d", url, resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, ".terraform-*.zip")
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close archive: %w", err)
	}
	return f.Name(), nil
}

func extractBinary(archive, name, dir string) (string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, entry := range zr.File {
		if entry.Name != name {
			continue
		}
		return writeExecutable(entry, dir)
	}
	return "", fmt.Errorf("%w: want %s", ErrBinaryNotInArchive, name)
}

func writeExecutable(entry *zip.File, dir string) (string, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("open %s in archive: %w", entry.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.CreateTemp(dir, ".terraform-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp binary: %w", err)
	}
	cleanup := func() {
		_ = out.Close()
		_ = os.Remove(out.Name())
	}

	if _, err := io.Copy(out, rc); err != nil { // #nosec G110 -- archive comes from the configured release mirror
		cleanup()
		return "", fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	if err := out.Chmod(0o755); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod terraform binary: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("close terraform binary: %w", err)
	}
	return out.Name(), nil
}

func (m *Manager) isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if m.goos == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// Version runs `terraform version -json` and returns the reported version.
// Successful lookups are memoized per binary path.
func (m *Manager) Version(ctx context.Context, bin string) (string, error) {
	if v, ok := m.versions.Load(bin); ok {
		return v.(string), nil
	}

	out, err := exec.CommandContext(ctx, bin, "version", "-json").Output() // #nosec G204 -- bin is the resolved terraform path
	if err != nil {
		return "", fmt.Errorf("terraform version: %w", err)
	}

	v, err := ParseVersion(out)
	if err != nil {
		return "", err
	}
	m.versions.Store(bin, v)
	return v, nil
}

// ParseVersion extracts terraform_version from `terraform version -json` output.
func ParseVersion(out []byte) (string, error) {
	var payload struct {
		TerraformVersion string `json:"terraform_version"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return "", fmt.Errorf("parse terraform version output: %w", err)
	}
	if payload.TerraformVersion == "" {
		return "", fmt.Errorf("parse terraform version output: terraform_version missing")
	}
	return payload.TerraformVersion, nil
}
