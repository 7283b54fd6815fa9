package config

import (
	"fmt"
	"time"
)

// Config is the complete, validated gateway configuration. A single value
// is loaded at startup and swapped wholesale on reload; nothing below this
// type is mutated in place once a generation is published.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Admin          AdminConfig          `yaml:"admin"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	Routes         []RouteConfig        `yaml:"routes"`
	Authentication AuthenticationConfig `yaml:"authentication"`
	Tenant         TenantConfig         `yaml:"tenant"`
	Authorization  AuthorizationConfig  `yaml:"authorization"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Timeouts       TimeoutsConfig       `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	GRPC           GRPCConfig           `yaml:"grpc"`
	Security       SecurityConfig       `yaml:"security"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Cache          CacheConfig          `yaml:"cache"`
}

// ServerConfig describes the data-plane listener.
type ServerConfig struct {
	Address           string        `yaml:"address"` // e.g. ":8080"
	TLS               TLSConfig     `yaml:"tls"`
	MaxRequestBodyMB  int64         `yaml:"max_request_body_mb"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxInFlight       int64         `yaml:"max_in_flight"` // 0 disables the back-pressure gate
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig is the optional TLS termination for a listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig describes the admin-plane listener: health, readiness,
// metrics exposition, and read-only route/config introspection.
type AdminConfig struct {
	Address string `yaml:"address"` // e.g. ":9090"; empty disables the admin plane
}

// DiscoveryConfig selects and configures the service-discovery backend.
type DiscoveryConfig struct {
	Backend         string                `yaml:"backend"` // memory | consul | etcd | kubernetes
	RefreshInterval time.Duration         `yaml:"refresh_interval"`
	HealthCheck     HealthCheckConfig     `yaml:"health_check"`
	Memory          MemoryDiscoveryConfig `yaml:"memory"`
	Consul          ConsulDiscoveryConfig `yaml:"consul"`
	Etcd            EtcdDiscoveryConfig   `yaml:"etcd"`
	Kubernetes      K8sDiscoveryConfig    `yaml:"kubernetes"`
}

// HealthCheckConfig configures active upstream health probing layered on top
// of the registry's own health signal. The probe result is advisory:
// a backend the checker marks unhealthy is excluded from load balancing, but
// the circuit breaker remains authoritative for failure accounting.
type HealthCheckConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Type           string        `yaml:"type"`   // http | tcp; default http
	Path           string        `yaml:"path"`   // HTTP probe path, default /health
	Method         string        `yaml:"method"` // default GET
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
	ExpectedStatus []string      `yaml:"expected_status"` // "200", "2xx", "200-299"
}

// MemoryDiscoveryConfig is the static, in-process discovery source used for
// tests and single-node deployments.
type MemoryDiscoveryConfig struct {
	Services map[string][]StaticInstanceConfig `yaml:"services"`
}

// StaticInstanceConfig is one statically-declared ServiceInstance.
type StaticInstanceConfig struct {
	ID       string            `yaml:"id"`
	Address  string            `yaml:"address"`
	Port     int               `yaml:"port"`
	Protocol string            `yaml:"protocol"` // http | grpc
	Weight   int               `yaml:"weight"`
	Metadata map[string]string `yaml:"metadata"`
}

// ConsulDiscoveryConfig configures the hashicorp/consul/api-backed registry.
type ConsulDiscoveryConfig struct {
	Address    string `yaml:"address"`
	Token      string `yaml:"token" redact:"true"`
	Datacenter string `yaml:"datacenter"`
	Tag        string `yaml:"tag"`
}

// EtcdDiscoveryConfig configures the go.etcd.io/etcd/client/v3-backed registry.
type EtcdDiscoveryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password" redact:"true"`
}

// K8sDiscoveryConfig configures the k8s.io/client-go informer-backed registry.
type K8sDiscoveryConfig struct {
	Kubeconfig    string `yaml:"kubeconfig"` // empty means in-cluster config
	Namespace     string `yaml:"namespace"`
	LabelSelector string `yaml:"label_selector"`
	UseEndpointSlices bool `yaml:"use_endpoint_slices"`
}

// MatchConditionConfig is one route match-condition.
type MatchConditionConfig struct {
	Location string `yaml:"location"` // header | query | cookie | claim
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"` // equals | contains | regex | exists
	Value    string `yaml:"value"`
}

// MaskRuleConfig is one response-field masking rule applied by the proxy.
type MaskRuleConfig struct {
	Path     string   `yaml:"path"` // gjson/sjson path into the JSON response body
	ForRoles []string `yaml:"for_roles"`
	Replacement string `yaml:"replacement"`
}

// RouteConfig is one declarative route.
type RouteConfig struct {
	ID                  string                  `yaml:"id"`
	PathPrefix          string                  `yaml:"path_prefix"`
	PathRewrite         string                  `yaml:"path_rewrite"`
	Methods             []string                `yaml:"methods"` // empty means all methods
	TargetServiceName   string                  `yaml:"target_service_name"`
	TargetProtocol      string                  `yaml:"target_protocol"` // http | grpc
	LoadBalanceStrategy string                  `yaml:"load_balance_strategy"`
	ConsistentHashKey   string                  `yaml:"consistent_hash_key"` // header:<name> | claim:<path>
	Timeout             time.Duration           `yaml:"timeout"`
	CircuitBreaker      *RouteBreakerOverride   `yaml:"circuit_breaker"`
	Priority            int                     `yaml:"priority"`
	Disabled            bool                    `yaml:"disabled"`
	AuthBypass          bool                    `yaml:"auth_bypass"`
	DefaultPermissions  bool                    `yaml:"default_permissions"`
	MatchConditions     []MatchConditionConfig  `yaml:"match_conditions"`
	ResponseMask        []MaskRuleConfig        `yaml:"response_mask"`
	RoleRules           []RoleRuleConfig        `yaml:"role_rules"`
	AttributeRules      []AttributeRuleConfig   `yaml:"attribute_rules"`
	AuditResourceType   string                  `yaml:"audit_resource_type"`
	AuditResourceIDPath string                  `yaml:"audit_resource_id_path"` // gjson path, evaluated against path params
}

// RouteBreakerOverride supplies per-route overrides onto the named upstream's
// circuit-breaker policy (Open Question (b): breaker is per logical upstream
// name, with per-route overrides).
type RouteBreakerOverride struct {
	FailureThreshold     int           `yaml:"failure_threshold"`
	VolumeThreshold      int           `yaml:"volume_threshold"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	RecoveryTimeout      time.Duration `yaml:"recovery_timeout"`
	HalfOpenTimeout      time.Duration `yaml:"half_open_timeout"`
	SuccessThreshold     int           `yaml:"success_threshold"`
}

// RoleRuleConfig is one role-based authorization rule.
type RoleRuleConfig struct {
	RolePattern string   `yaml:"role_pattern"`
	PathPattern string   `yaml:"path_pattern"`
	Methods     []string `yaml:"methods"`
	Actions     []string `yaml:"actions"`
}

// AttributeRuleConfig is one attribute-based authorization rule.
type AttributeRuleConfig struct {
	Actions       []string            `yaml:"actions"`
	ResourceTypes []string            `yaml:"resource_types"`
	PathPatterns  []string            `yaml:"path_patterns"`
	Conditions    []ConditionConfig   `yaml:"conditions"`
	Effect        string              `yaml:"effect"` // allow | deny
}

// ConditionConfig is one attribute-rule condition.
type ConditionConfig struct {
	Attribute string `yaml:"attribute"` // subject.<field> | request.<field> | resource.<field>
	Operator  string `yaml:"operator"`
	Value     string `yaml:"value"`
}

// AuthenticationConfig groups the authenticator settings.
type AuthenticationConfig struct {
	JWT    JWTConfig    `yaml:"jwt"`
	APIKey APIKeyConfig `yaml:"api_key"`
}

// JWTConfig configures bearer-token authentication and its key source.
type JWTConfig struct {
	Secret              string        `yaml:"secret" redact:"true"`
	JWKSURL             string        `yaml:"jwks_url"`
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"`
	JWKSAlertThreshold  int64         `yaml:"jwks_alert_threshold"`
	Issuer              string        `yaml:"issuer"`
	Audience            []string      `yaml:"audience"`
	Algorithm           string        `yaml:"algorithm"`
	AllowedAlgorithms   []string      `yaml:"allowed_algorithms"`
	BypassPatterns      []string      `yaml:"bypass_patterns"`
	TenantClaim         string        `yaml:"tenant_claim"`
	SkewTolerance       time.Duration `yaml:"skew_tolerance"`
}

// APIKeyConfig configures static and dynamic API key authentication.
type APIKeyConfig struct {
	Header     string          `yaml:"header"`
	QueryParam string          `yaml:"query_param"`
	Keys       []APIKeyEntry   `yaml:"keys"`
	Management APIKeyMgmtConfig `yaml:"management"`
}

// APIKeyEntry is one statically-declared API key.
type APIKeyEntry struct {
	Key       string   `yaml:"key" redact:"true"`
	ClientID  string   `yaml:"client_id"`
	Name      string   `yaml:"name"`
	Roles     []string `yaml:"roles"`
	ExpiresAt string   `yaml:"expires_at"` // RFC3339
}

// APIKeyMgmtConfig configures the dynamic APIKeyManager fallback.
type APIKeyMgmtConfig struct {
	Enabled      bool              `yaml:"enabled"`
	KeyLength    int               `yaml:"key_length"`
	KeyPrefix    string            `yaml:"key_prefix"`
	DefaultLimit *KeyRateLimitConfig `yaml:"default_rate_limit"`
}

// KeyRateLimitConfig is a per-key rate limit independent of the gateway-wide
// dimensions.
type KeyRateLimitConfig struct {
	Rate   int           `yaml:"rate"`
	Period time.Duration `yaml:"period"`
	Burst  int           `yaml:"burst"`
}

// TenantConfig configures tenant resolution and mandatoriness.
type TenantConfig struct {
	Mandatory bool                      `yaml:"mandatory"`
	HeaderName string                   `yaml:"header_name"` // e.g. X-Tenant-Id
	Tenants    map[string]TenantEntry   `yaml:"tenants"`
	Default    string                   `yaml:"default"`
}

// TenantEntry is one declared tenant's identity and quota.
type TenantEntry struct {
	Name       string          `yaml:"name"`
	TenantType string          `yaml:"tenant_type"`
	Status     string          `yaml:"status"` // active | suspended | trial | expired
	Quota      TenantQuotaConfig `yaml:"quota"`
}

// TenantQuotaConfig is a tenant's resource quota.
type TenantQuotaConfig struct {
	APICallsPerHour    int `yaml:"api_calls_per_hour"`
	BandwidthLimitMB   int `yaml:"bandwidth_limit_mb"`
	ConcurrentRequests int `yaml:"concurrent_requests"`
}

// AuthorizationConfig sizes the authorization evaluator's caches.
type AuthorizationConfig struct {
	PermissionsCacheTTL  time.Duration `yaml:"permissions_cache_ttl"`
	PermissionsCacheSize int           `yaml:"permissions_cache_size"`
}

// RateLimitConfig configures the rate-limit dimensions.
type RateLimitConfig struct {
	Global    RateLimitTierConfig `yaml:"global"`
	PerIP     RateLimitTierConfig `yaml:"per_ip"`
	PerUser   RateLimitTierConfig `yaml:"per_user"`
	PerAPIKey RateLimitTierConfig `yaml:"per_api_key"`
	PerRoute  RateLimitTierConfig `yaml:"per_route"`
	PerTenant RateLimitTierConfig `yaml:"per_tenant"` // optional; capacity may be overridden per-tenant by quota
	BucketMapSize int             `yaml:"bucket_map_size"`
}

// RateLimitTierConfig is one dimension's bucket parameters. Capacity <= 0
// disables the dimension.
type RateLimitTierConfig struct {
	Capacity      int `yaml:"capacity"`
	RefillPerSec  int `yaml:"refill_per_second"`
	BurstCapacity int `yaml:"burst_capacity"`
}

// CircuitBreakerConfig is the default policy for every logical upstream's
// breaker; routes may override via RouteConfig.CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`
	VolumeThreshold      int           `yaml:"volume_threshold"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"` // percent, 0-100
	RecoveryTimeout      time.Duration `yaml:"recovery_timeout"`
	HalfOpenTimeout      time.Duration `yaml:"half_open_timeout"`
	SuccessThreshold     int           `yaml:"success_threshold"`
}

// TimeoutsConfig is the default per-request timeout budget; routes may
// override via RouteConfig.Timeout.
type TimeoutsConfig struct {
	Default time.Duration `yaml:"default"`
}

// RetryConfig configures the proxy's retry policy.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Budget      BudgetConfig  `yaml:"budget"`
}

// BudgetConfig bounds the gateway-wide ratio of retries to requests over a
// sliding window, preventing retry storms when an upstream degrades.
// Ratio <= 0 disables the budget.
type BudgetConfig struct {
	Ratio      float64       `yaml:"ratio"`       // max retries/requests, 0.0-1.0
	MinRetries int           `yaml:"min_retries"` // floor of retries/second always allowed
	Window     time.Duration `yaml:"window"`
}

// UpstreamConfig tunes the shared outbound transport: connection
// pooling, optional custom DNS, and a stall guard on response bodies.
type UpstreamConfig struct {
	Nameservers         []string      `yaml:"nameservers"` // empty uses the OS resolver
	DNSTimeout          time.Duration `yaml:"dns_timeout"`
	IdleBodyTimeout     time.Duration `yaml:"idle_body_timeout"` // abort stalled response bodies; 0 disables
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
}

// GRPCConfig configures the proxy's gRPC passthrough for routes whose
// target_protocol is grpc.
type GRPCConfig struct {
	Enabled             bool                   `yaml:"enabled"`
	DeadlinePropagation bool                   `yaml:"deadline_propagation"`
	MaxRecvMsgSize      int                    `yaml:"max_recv_msg_size"`
	MaxSendMsgSize      int                    `yaml:"max_send_msg_size"`
	Authority           string                 `yaml:"authority"`
	MetadataTransforms  GRPCMetadataTransforms `yaml:"metadata_transforms"`
	HealthCheck         GRPCHealthCheckConfig  `yaml:"health_check"`
}

// GRPCMetadataTransforms maps HTTP headers to gRPC metadata names and back.
type GRPCMetadataTransforms struct {
	RequestMap  map[string]string `yaml:"request_map"`
	ResponseMap map[string]string `yaml:"response_map"`
	StripPrefix string            `yaml:"strip_prefix"`
	Passthrough []string          `yaml:"passthrough"`
}

// GRPCHealthCheckConfig enables grpc.health.v1 probing of gRPC backends in
// place of the HTTP health check.
type GRPCHealthCheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

// SecurityConfig groups header-propagation and payload-limit settings.
type SecurityConfig struct {
	ForwardedForHeader   string   `yaml:"forwarded_for_header"`
	RequestIDHeader      string   `yaml:"request_id_header"`
	TraceIDHeader        string   `yaml:"trace_id_header"`
	SpanIDHeader         string   `yaml:"span_id_header"`
	TenantIDHeader       string   `yaml:"tenant_id_header"`
	UserIDHeader         string   `yaml:"user_id_header"`
	RolesHeader          string   `yaml:"roles_header"`
	PropagatePrincipal   bool     `yaml:"propagate_principal"`
	TrustedProxies       []string `yaml:"trusted_proxies"`
}

// ObservabilityConfig groups logging, metrics, tracing, and audit settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	AuditLog AuditLogConfig `yaml:"audit_log"`
}

// LoggingConfig configures zap + lumberjack.
type LoggingConfig struct {
	Level    string             `yaml:"level"`
	Encoding string             `yaml:"encoding"` // json | console
	File     *LogRotationConfig `yaml:"file"`
}

// LogRotationConfig configures lumberjack file rotation.
type LogRotationConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures the Prometheus exposition on the admin plane.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures the OpenTelemetry sink.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	ServiceName     string  `yaml:"service_name"`
	SampleRatio     float64 `yaml:"sample_ratio"`
	Insecure        bool    `yaml:"insecure"`
}

// AuditLogConfig configures the audit sink.
type AuditLogConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MaskedFields  []string `yaml:"masked_fields"`
	IncludeBodies bool     `yaml:"include_bodies"`
}

// CacheConfig sizes internal, non-response caches (discovery snapshots,
// permissions, JWKS, rate-limit buckets) — not response-body caching, which
// is an explicit Non-goal.
type CacheConfig struct {
	DiscoverySnapshotTTL time.Duration `yaml:"discovery_snapshot_ttl"`
}

// Validate applies structural defaults and rejects configurations the
// gateway cannot safely start with.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	seen := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.ID == "" {
			return fmt.Errorf("route at index %d has no id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true
		if r.TargetServiceName == "" {
			return fmt.Errorf("route %q has no target_service_name", r.ID)
		}
		if r.TargetProtocol == "" {
			r.TargetProtocol = "http"
		}
		if r.LoadBalanceStrategy == "" {
			r.LoadBalanceStrategy = "round_robin"
		}
		if r.TargetProtocol == "grpc" {
			c.GRPC.Enabled = true
		}
	}
	if c.Discovery.HealthCheck.Enabled {
		hc := &c.Discovery.HealthCheck
		if hc.Path == "" {
			hc.Path = "/health"
		}
		if hc.Interval <= 0 {
			hc.Interval = 10 * time.Second
		}
		if hc.Timeout <= 0 {
			hc.Timeout = 5 * time.Second
		}
	}
	if c.RateLimit.BucketMapSize <= 0 {
		c.RateLimit.BucketMapSize = 10000
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		c.CircuitBreaker.SuccessThreshold = 2
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		c.CircuitBreaker.RecoveryTimeout = 30 * time.Second
	}
	if c.CircuitBreaker.HalfOpenTimeout <= 0 {
		c.CircuitBreaker.HalfOpenTimeout = 10 * time.Second
	}
	if c.Timeouts.Default <= 0 {
		c.Timeouts.Default = 10 * time.Second
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 2 * time.Second
	}
	if c.Authorization.PermissionsCacheTTL <= 0 {
		c.Authorization.PermissionsCacheTTL = 30 * time.Second
	}
	if c.Authorization.PermissionsCacheSize <= 0 {
		c.Authorization.PermissionsCacheSize = 4096
	}
	if c.Discovery.Backend == "" {
		c.Discovery.Backend = "memory"
	}
	if c.Discovery.RefreshInterval <= 0 {
		c.Discovery.RefreshInterval = 15 * time.Second
	}
	return nil
}
