// Package config handles environment-based configuration loading and the
// optional settings file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// Authorization flows and token endpoint auth methods accepted by
// NMOS_AUTHORIZATION_FLOW and NMOS_TOKEN_ENDPOINT_AUTH_METHOD.
const (
	FlowClientCredentials = "client_credentials"
	FlowAuthorizationCode = "authorization_code"

	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
	AuthMethodNone              = "none"
)

// Config holds all settings. Values come from NMOS_* environment variables,
// falling back to the optional settings file (NMOS_SETTINGS_FILE, YAML keys
// are the variable names without the NMOS_ prefix, lowercased), falling back
// to defaults. Not hot-updatable.
type Config struct {
	// Identity
	SeedID      string
	Label       string
	Description string
	Hostname    string

	// Network
	ListenAddress string
	HTTPPort      int
	HostAddresses []string

	// API
	APIMaxBodyBytes      int
	QueryPagingDefault   int
	QueryPagingLimit     int
	QueryCacheEntries    int
	EventsExpiryInterval time.Duration

	// Registration
	RegistryAddress               string
	RegistryPort                  int
	RegistryVersion               string
	HighestPri                    int
	LowestPri                     int
	AdvertisementPri              int
	DiscoveryBackoffMin           time.Duration
	DiscoveryBackoffMax           time.Duration
	DiscoveryBackoffFactor        float64
	RegistrationHeartbeatInterval time.Duration
	RegistrationHeartbeatMax      time.Duration
	RegistrationRequestMax        time.Duration

	// Discovery
	DNSSDServer  string
	DNSSDDomain  string
	DNSSDTimeout time.Duration

	// Activation
	AutoRTPPort            int
	ImmediateActivationMax time.Duration

	// Authorization
	ClientAuthorization               bool
	ServerAuthorization               bool
	AuthorizationAddress              string
	AuthorizationSelector             string
	AuthorizationFlow                 string
	TokenEndpointAuthMethod           string
	AuthorizationScopes               []string
	AuthorizationRedirectPath         string
	InitialAccessToken                string
	AuthorizationRequestMax           time.Duration
	AuthorizationCodeFlowMax          time.Duration
	AccessTokenRefreshInterval        time.Duration
	FetchAuthorizationKeysIntervalMin time.Duration
	FetchAuthorizationKeysIntervalMax time.Duration
	CredentialsPruneSchedule          string

	// State
	StateDir string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig reads the settings file (if any) and environment variables and
// returns a validated Config. Returns an error listing every invalid or
// missing value.
func LoadConfig() (*Config, error) {
	l, err := newLoader(os.Getenv("NMOS_SETTINGS_FILE"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{}

	// --- Identity ---
	cfg.SeedID = strings.TrimSpace(l.str("NMOS_SEED_ID", ""))
	cfg.Label = l.str("NMOS_LABEL", "nmos-node")
	cfg.Description = l.str("NMOS_DESCRIPTION", "")
	defaultHost, _ := os.Hostname()
	if defaultHost == "" {
		defaultHost = "localhost"
	}
	cfg.Hostname = l.str("NMOS_HOST_NAME", defaultHost)

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(l.str("NMOS_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.HTTPPort = l.int("NMOS_PORT", 3212)
	cfg.HostAddresses = l.stringSlice("NMOS_HOST_ADDRESSES", []string{"127.0.0.1"})

	// --- API ---
	cfg.APIMaxBodyBytes = l.int("NMOS_API_MAX_BODY_BYTES", 1<<20)
	cfg.QueryPagingDefault = l.int("NMOS_QUERY_PAGING_DEFAULT", 10)
	cfg.QueryPagingLimit = l.int("NMOS_QUERY_PAGING_LIMIT", 100)
	cfg.QueryCacheEntries = l.int("NMOS_QUERY_CACHE_ENTRIES", 1024)
	cfg.EventsExpiryInterval = l.duration("NMOS_EVENTS_EXPIRY_INTERVAL", 12*time.Second)

	// --- Registration ---
	cfg.RegistryAddress = strings.TrimSpace(l.str("NMOS_REGISTRY_ADDRESS", ""))
	cfg.RegistryPort = l.int("NMOS_REGISTRY_PORT", 3210)
	cfg.RegistryVersion = l.str("NMOS_REGISTRY_VERSION", "v1.3")
	cfg.HighestPri = l.int("NMOS_HIGHEST_PRI", 0)
	cfg.LowestPri = l.int("NMOS_LOWEST_PRI", 254)
	cfg.AdvertisementPri = l.int("NMOS_PRI", 100)
	cfg.DiscoveryBackoffMin = l.duration("NMOS_DISCOVERY_BACKOFF_MIN", time.Second)
	cfg.DiscoveryBackoffMax = l.duration("NMOS_DISCOVERY_BACKOFF_MAX", 30*time.Second)
	cfg.DiscoveryBackoffFactor = l.float("NMOS_DISCOVERY_BACKOFF_FACTOR", 1.5)
	cfg.RegistrationHeartbeatInterval = l.duration("NMOS_REGISTRATION_HEARTBEAT_INTERVAL", 5*time.Second)
	cfg.RegistrationHeartbeatMax = l.duration("NMOS_REGISTRATION_HEARTBEAT_MAX", 5*time.Second)
	cfg.RegistrationRequestMax = l.duration("NMOS_REGISTRATION_REQUEST_MAX", 30*time.Second)

	// --- Discovery ---
	cfg.DNSSDServer = strings.TrimSpace(l.str("NMOS_DNS_SD_SERVER", ""))
	cfg.DNSSDDomain = strings.TrimSpace(l.str("NMOS_DNS_SD_DOMAIN", ""))
	cfg.DNSSDTimeout = l.duration("NMOS_DNS_SD_TIMEOUT", 2*time.Second)

	// --- Activation ---
	cfg.AutoRTPPort = l.int("NMOS_AUTO_RTP_PORT", 5004)
	cfg.ImmediateActivationMax = l.duration("NMOS_IMMEDIATE_ACTIVATION_MAX", 10*time.Second)

	// --- Authorization ---
	cfg.ClientAuthorization = l.bool("NMOS_CLIENT_AUTHORIZATION", false)
	cfg.ServerAuthorization = l.bool("NMOS_SERVER_AUTHORIZATION", false)
	cfg.AuthorizationAddress = strings.TrimSpace(l.str("NMOS_AUTHORIZATION_ADDRESS", ""))
	cfg.AuthorizationSelector = strings.TrimSpace(l.str("NMOS_AUTHORIZATION_SELECTOR", ""))
	cfg.AuthorizationFlow = l.str("NMOS_AUTHORIZATION_FLOW", FlowClientCredentials)
	cfg.TokenEndpointAuthMethod = l.str("NMOS_TOKEN_ENDPOINT_AUTH_METHOD", AuthMethodClientSecretBasic)
	cfg.AuthorizationScopes = l.stringSlice("NMOS_AUTHORIZATION_SCOPES", []string{"registration"})
	cfg.AuthorizationRedirectPath = l.str("NMOS_AUTHORIZATION_REDIRECT_PATH", "/x-authorization/callback")
	cfg.InitialAccessToken = l.str("NMOS_INITIAL_ACCESS_TOKEN", "")
	cfg.AuthorizationRequestMax = l.duration("NMOS_AUTHORIZATION_REQUEST_MAX", 30*time.Second)
	cfg.AuthorizationCodeFlowMax = l.duration("NMOS_AUTHORIZATION_CODE_FLOW_MAX", 30*time.Second)
	cfg.AccessTokenRefreshInterval = l.duration("NMOS_ACCESS_TOKEN_REFRESH_INTERVAL", -time.Second)
	cfg.FetchAuthorizationKeysIntervalMin = l.duration("NMOS_FETCH_AUTHORIZATION_PUBLIC_KEYS_INTERVAL_MIN", 30*time.Minute)
	cfg.FetchAuthorizationKeysIntervalMax = l.duration("NMOS_FETCH_AUTHORIZATION_PUBLIC_KEYS_INTERVAL_MAX", time.Hour)
	cfg.CredentialsPruneSchedule = l.str("NMOS_CREDENTIALS_PRUNE_SCHEDULE", "0 7 * * *")

	// --- State ---
	cfg.StateDir = l.str("NMOS_STATE_DIR", "/var/lib/nmos-node")

	// --- Logging ---
	cfg.LogLevel = l.str("NMOS_LOG_LEVEL", "info")
	cfg.LogFormat = l.str("NMOS_LOG_FORMAT", "json")

	// --- Validation ---
	if cfg.SeedID == "" {
		cfg.SeedID = uuid.NewString()
	} else if _, err := uuid.Parse(cfg.SeedID); err != nil {
		l.errs = append(l.errs, fmt.Sprintf("NMOS_SEED_ID: not a UUID: %q", cfg.SeedID))
	}
	if cfg.ListenAddress == "" {
		l.errs = append(l.errs, "NMOS_LISTEN_ADDRESS must not be empty")
	}
	if len(cfg.HostAddresses) == 0 {
		l.errs = append(l.errs, "NMOS_HOST_ADDRESSES must contain at least one address")
	}
	validatePort("NMOS_PORT", cfg.HTTPPort, &l.errs)
	validatePositive("NMOS_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &l.errs)
	validatePositive("NMOS_QUERY_PAGING_DEFAULT", cfg.QueryPagingDefault, &l.errs)
	validatePositive("NMOS_QUERY_PAGING_LIMIT", cfg.QueryPagingLimit, &l.errs)
	validatePositive("NMOS_QUERY_CACHE_ENTRIES", cfg.QueryCacheEntries, &l.errs)
	if cfg.QueryPagingDefault > cfg.QueryPagingLimit {
		l.errs = append(l.errs, "NMOS_QUERY_PAGING_DEFAULT must be less than or equal to NMOS_QUERY_PAGING_LIMIT")
	}
	validatePositiveDuration("NMOS_EVENTS_EXPIRY_INTERVAL", cfg.EventsExpiryInterval, &l.errs)

	if cfg.RegistryAddress != "" {
		validatePort("NMOS_REGISTRY_PORT", cfg.RegistryPort, &l.errs)
	}
	if _, err := nmos.ParseAPIVersion(cfg.RegistryVersion); err != nil {
		l.errs = append(l.errs, fmt.Sprintf("NMOS_REGISTRY_VERSION: %v", err))
	}
	validatePriority("NMOS_HIGHEST_PRI", cfg.HighestPri, &l.errs)
	validatePriority("NMOS_LOWEST_PRI", cfg.LowestPri, &l.errs)
	if cfg.HighestPri > cfg.LowestPri {
		l.errs = append(l.errs, "NMOS_HIGHEST_PRI must be less than or equal to NMOS_LOWEST_PRI")
	}
	validatePriority("NMOS_PRI", cfg.AdvertisementPri, &l.errs)
	validatePositiveDuration("NMOS_DISCOVERY_BACKOFF_MIN", cfg.DiscoveryBackoffMin, &l.errs)
	validatePositiveDuration("NMOS_DISCOVERY_BACKOFF_MAX", cfg.DiscoveryBackoffMax, &l.errs)
	if cfg.DiscoveryBackoffMin > cfg.DiscoveryBackoffMax {
		l.errs = append(l.errs, "NMOS_DISCOVERY_BACKOFF_MIN must be less than or equal to NMOS_DISCOVERY_BACKOFF_MAX")
	}
	if cfg.DiscoveryBackoffFactor < 1 {
		l.errs = append(l.errs, fmt.Sprintf("NMOS_DISCOVERY_BACKOFF_FACTOR: must be at least 1, got %v", cfg.DiscoveryBackoffFactor))
	}
	validatePositiveDuration("NMOS_REGISTRATION_HEARTBEAT_INTERVAL", cfg.RegistrationHeartbeatInterval, &l.errs)
	validatePositiveDuration("NMOS_REGISTRATION_HEARTBEAT_MAX", cfg.RegistrationHeartbeatMax, &l.errs)
	validatePositiveDuration("NMOS_REGISTRATION_REQUEST_MAX", cfg.RegistrationRequestMax, &l.errs)

	if cfg.DNSSDServer != "" && cfg.DNSSDDomain == "" {
		l.errs = append(l.errs, "NMOS_DNS_SD_DOMAIN must be set when NMOS_DNS_SD_SERVER is set")
	}
	validatePositiveDuration("NMOS_DNS_SD_TIMEOUT", cfg.DNSSDTimeout, &l.errs)

	validatePort("NMOS_AUTO_RTP_PORT", cfg.AutoRTPPort, &l.errs)
	validatePositiveDuration("NMOS_IMMEDIATE_ACTIVATION_MAX", cfg.ImmediateActivationMax, &l.errs)

	if cfg.AuthorizationFlow != FlowClientCredentials && cfg.AuthorizationFlow != FlowAuthorizationCode {
		l.errs = append(l.errs, fmt.Sprintf(
			"NMOS_AUTHORIZATION_FLOW: invalid value %q (allowed: %s, %s)",
			cfg.AuthorizationFlow, FlowClientCredentials, FlowAuthorizationCode,
		))
	}
	switch cfg.TokenEndpointAuthMethod {
	case AuthMethodClientSecretBasic, AuthMethodPrivateKeyJWT, AuthMethodNone:
	default:
		l.errs = append(l.errs, fmt.Sprintf(
			"NMOS_TOKEN_ENDPOINT_AUTH_METHOD: invalid value %q (allowed: %s, %s, %s)",
			cfg.TokenEndpointAuthMethod, AuthMethodClientSecretBasic, AuthMethodPrivateKeyJWT, AuthMethodNone,
		))
	}
	if cfg.ClientAuthorization && len(cfg.AuthorizationScopes) == 0 {
		l.errs = append(l.errs, "NMOS_AUTHORIZATION_SCOPES must contain at least one scope when NMOS_CLIENT_AUTHORIZATION is true")
	}
	if !strings.HasPrefix(cfg.AuthorizationRedirectPath, "/") {
		l.errs = append(l.errs, "NMOS_AUTHORIZATION_REDIRECT_PATH must start with '/'")
	}
	validatePositiveDuration("NMOS_AUTHORIZATION_REQUEST_MAX", cfg.AuthorizationRequestMax, &l.errs)
	validatePositiveDuration("NMOS_AUTHORIZATION_CODE_FLOW_MAX", cfg.AuthorizationCodeFlowMax, &l.errs)
	validatePositiveDuration("NMOS_FETCH_AUTHORIZATION_PUBLIC_KEYS_INTERVAL_MIN", cfg.FetchAuthorizationKeysIntervalMin, &l.errs)
	validatePositiveDuration("NMOS_FETCH_AUTHORIZATION_PUBLIC_KEYS_INTERVAL_MAX", cfg.FetchAuthorizationKeysIntervalMax, &l.errs)
	if cfg.FetchAuthorizationKeysIntervalMin > cfg.FetchAuthorizationKeysIntervalMax {
		l.errs = append(l.errs, "NMOS_FETCH_AUTHORIZATION_PUBLIC_KEYS_INTERVAL_MIN must be less than or equal to NMOS_FETCH_AUTHORIZATION_PUBLIC_KEYS_INTERVAL_MAX")
	}
	if _, err := cron.ParseStandard(cfg.CredentialsPruneSchedule); err != nil {
		l.errs = append(l.errs, fmt.Sprintf("NMOS_CREDENTIALS_PRUNE_SCHEDULE: invalid cron expression %q: %v", cfg.CredentialsPruneSchedule, err))
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		l.errs = append(l.errs, fmt.Sprintf("NMOS_LOG_FORMAT: invalid value %q (allowed: json, console)", cfg.LogFormat))
	}

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(l.errs, "\n  "))
	}
	return cfg, nil
}

// RegistryVersionParsed returns the validated static registry version.
func (c *Config) RegistryVersionParsed() nmos.APIVersion {
	v, _ := nmos.ParseAPIVersion(c.RegistryVersion)
	return v
}

// --- loader ---

// loader resolves keys from the environment first, then the settings file,
// then the supplied default, accumulating errors as it goes.
type loader struct {
	file map[string]string
	errs []string
}

func newLoader(settingsFile string) (*loader, error) {
	l := &loader{}
	if settingsFile == "" {
		return l, nil
	}
	raw, err := os.ReadFile(settingsFile)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", settingsFile, err)
	}
	l.file = make(map[string]string, len(doc))
	for k, v := range doc {
		l.file[strings.ToLower(k)] = fmt.Sprintf("%v", v)
	}
	return l, nil
}

// lookup returns the raw value for an NMOS_* key, consulting the environment
// then the settings file (keyed without the prefix, lowercased).
func (l *loader) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	fileKey := strings.ToLower(strings.TrimPrefix(key, "NMOS_"))
	v, ok := l.file[fileKey]
	return v, ok
}

func (l *loader) str(key, defaultVal string) string {
	if v, ok := l.lookup(key); ok {
		return v
	}
	return defaultVal
}

func (l *loader) int(key string, defaultVal int) int {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

// stringSlice accepts either a comma-separated list or a YAML/JSON array.
func (l *loader) stringSlice(key string, defaultVal []string) []string {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	if strings.HasPrefix(strings.TrimSpace(v), "[") {
		var out []string
		if err := yaml.Unmarshal([]byte(v), &out); err != nil {
			l.errs = append(l.errs, fmt.Sprintf("%s: invalid string array %q", key, v))
			return defaultVal
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// --- validation helpers ---

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}

func validatePriority(name string, value int, errs *[]string) {
	if value < 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must not be negative, got %d", name, value))
	}
}
