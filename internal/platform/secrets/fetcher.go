package secrets

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
)

// newSecretManagerClient is swapped out in tests to simulate dial failures.
var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret:// references against Google Secret Manager. Values
// are cached per (reference, version), and a local KEY=VALUE file covers
// development machines and outages where the manager is unreachable.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger *zap.Logger

	environment    string
	defaultProject string
	projectByEnv   map[string]string
	versionPins    map[string]string

	fallbackPath   string
	loadFallback   sync.Once
	fallbackValues map[string]string
	fallbackErr    error

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value      string
	canonical  string
	version    string
	resolvedAt time.Time
	origin     string
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type settings struct {
	logger         *zap.Logger
	environment    string
	defaultProject string
	projectByEnv   map[string]string
	fallbackPath   string
	client         secretManagerClient
	clientOpts     []option.ClientOption
	versionPins    map[string]string
}

// Option customises Fetcher construction.
type Option func(*settings)

// WithLogger routes fetcher diagnostics through the given logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithEnvironment names the deployment environment, which picks the project
// mapping and version pins that apply.
func WithEnvironment(env string) Option {
	return func(s *settings) {
		s.environment = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project consulted when no per-environment
// mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) {
		s.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment names to Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(s *settings) {
		s.projectByEnv = copyValues(m)
	}
}

// WithFallbackFile changes where the local KEY=VALUE secrets file lives.
func WithFallbackFile(path string) Option {
	return func(s *settings) {
		s.fallbackPath = strings.TrimSpace(path)
	}
}

// WithSecretManagerClient injects an already-built client, mainly for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) {
		s.client = client
	}
}

// WithClientOptions passes Cloud client options through to the Secret
// Manager dial.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// WithVersionPins pins secret versions by canonical reference.
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) {
		s.versionPins = copyValues(pins)
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal:
// the fetcher degrades to fallback-file mode so local runs work without
// credentials.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		logger:       zap.NewNop(),
		environment:  strings.ToLower(strings.TrimSpace(os.Getenv("RETURNS_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectByEnv: map[string]string{},
		versionPins:  map[string]string{},
	}
	if s.environment == "" {
		s.environment = defaultEnvironment
	}

	for _, opt := range opts {
		opt(&s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	f := &Fetcher{
		logger:         s.logger,
		environment:    s.environment,
		defaultProject: s.defaultProject,
		projectByEnv:   copyValues(s.projectByEnv),
		versionPins:    copyValues(s.versionPins),
		fallbackPath:   s.fallbackPath,
		cache:          make(map[string]cachedSecret),
	}
	f.attachClient(ctx, s)
	return f, nil
}

func (f *Fetcher) attachClient(ctx context.Context, s settings) {
	if s.client != nil {
		f.client = s.client
		return
	}

	client, err := newSecretManagerClient(ctx, s.clientOpts...)
	if err != nil {
		f.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		return
	}
	f.client = client
	f.ownsClient = true
}

// Close releases the Secret Manager client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Resolve retrieves the secret value for the reference. The cache is consulted
// first, then Secret Manager, then the local fallback file.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseSecretRef(ref)
	if err != nil {
		return "", err
	}

	version := f.resolveVersion(parsed)
	key := versionedKey(parsed.canonical, version)

	if value, ok := f.lookup(key); ok {
		return value, nil
	}

	projectID := f.resolveProject(parsed)
	fallbackOnly := projectID == "" || f.client == nil

	if !fallbackOnly {
		value, err := f.accessVersion(ctx, projectID, parsed.name, version)
		if err == nil {
			f.store(key, value, parsed.canonical, version, "remote")
			return value, nil
		}

		if !degradesToFallback(err) {
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.canonical, err)
		}

		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", parsed.canonical), zap.Error(err))
	}

	value, ok := f.fallbackValue(parsed, version)
	if !ok {
		return "", fmt.Errorf("secrets: fallback value not found for %s", parsed.canonical)
	}

	f.store(key, value, parsed.canonical, version, "fallback")
	return value, nil
}

func (f *Fetcher) lookup(key string) (string, bool) {
	f.mu.RLock()
	entry, ok := f.cache[key]
	f.mu.RUnlock()
	return entry.value, ok
}

func (f *Fetcher) store(key, value, canonical, version, origin string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{
		value:      value,
		canonical:  canonical,
		version:    version,
		resolvedAt: time.Now(),
		origin:     origin,
	}
	f.mu.Unlock()
}

func (f *Fetcher) accessVersion(ctx context.Context, projectID, name, version string) (string, error) {
	if f.client == nil {
		return "", errors.New("secrets: secret manager client not configured")
	}

	resource := "projects/" + projectID + "/secrets/" + name + "/versions/" + version
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) resolveProject(ref secretRef) string {
	for _, candidate := range []string{ref.project, f.projectByEnv[f.environment], f.defaultProject} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// resolveVersion prefers an explicit version on the reference, then an
// environment-scoped pin, then a global pin, then latest.
func (f *Fetcher) resolveVersion(ref secretRef) string {
	candidates := []string{
		ref.version,
		f.versionPins[envScopedKey(f.environment, ref.canonical)],
		f.versionPins[ref.canonical],
	}
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return "latest"
}

func (f *Fetcher) fallbackValue(ref secretRef, version string) (string, bool) {
	f.readFallbackFile()

	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback load error", zap.Error(f.fallbackErr))
		return "", false
	}

	for _, key := range []string{versionedKey(ref.canonical, version), ref.canonical} {
		if val, ok := f.fallbackValues[key]; ok {
			return val, true
		}
	}
	return "", false
}

func (f *Fetcher) readFallbackFile() {
	f.loadFallback.Do(func() {
		f.fallbackValues = map[string]string{}

		path := strings.TrimSpace(f.fallbackPath)
		if path == "" {
			return
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}

		raw, err := os.ReadFile(absPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return
		case err != nil:
			f.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", absPath, err)
			return
		}

		for _, line := range strings.Split(string(raw), "\n") {
			key, value, ok := splitFallbackLine(line)
			if ok {
				f.indexFallbackValue(key, value)
			}
		}
	})
}

func splitFallbackLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	key, value, ok := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

// indexFallbackValue stores the value under the keys Resolve looks up, both
// bare and version-qualified, when the key is itself a secret reference.
func (f *Fetcher) indexFallbackValue(key, value string) {
	normalised := normaliseFallbackKey(key)

	parsed, err := parseSecretRef(normalised)
	if err != nil {
		f.fallbackValues[normalised] = value
		return
	}

	version := parsed.version
	if version == "" {
		version = "latest"
	}
	f.fallbackValues[parsed.canonical] = value
	f.fallbackValues[versionedKey(parsed.canonical, version)] = value
}

// secretRef is a parsed secret:// reference. The canonical form drops the
// query string so cache keys stay stable across equivalent spellings.
type secretRef struct {
	raw       string
	canonical string
	name      string
	version   string
	project   string
}

func parseSecretRef(ref string) (secretRef, error) {
	if strings.TrimSpace(ref) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()

	return secretRef{
		raw:       ref,
		canonical: canonical.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func versionedKey(canonical, version string) string {
	return canonical + "#" + version
}

func envScopedKey(env, canonical string) string {
	if env = strings.TrimSpace(env); env == "" {
		return canonical
	}
	return env + ":" + canonical
}

func copyValues(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	maps.Copy(dst, src)
	return dst
}

// degradesToFallback reports whether the remote failure should fall through to
// the local fallback file instead of surfacing. NotFound stays fatal so typos
// in secret names are caught immediately.
func degradesToFallback(err error) bool {
	if err == nil {
		return false
	}
	code := status.Code(err)
	return code == codes.PermissionDenied || code == codes.Unauthenticated ||
		code == codes.Unavailable || code == codes.DeadlineExceeded
}

func normaliseFallbackKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}
