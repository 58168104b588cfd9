package sentinel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RunPolicy carries run-level settings that apply uniformly to every Target
// in a run: transport limits, webhook delivery policy, politeness, and
// domain allow/deny lists. Targets embed it (Target.Policy) rather than
// repeat these fields, mirroring how the run Config is parsed once and
// distributed to each per-target pipeline invocation.
type RunPolicy struct {
	MaxContentBytes   int64
	MaxRedirects      int
	MaxPayloadBytes   int

	FetchTimeout        time.Duration
	FetchConnectTimeout time.Duration
	FetchMaxRetries     int
	FetchRetryBackoff   time.Duration

	WebhookURLs           []string
	WebhookDeliveryMode   WebhookDeliveryMode
	WebhookMethod         string
	WebhookContentType    string
	WebhookHeaders        map[string]string
	WebhookSecret         string
	WebhookMaxRetries     int
	WebhookRetryBackoff   time.Duration
	WebhookTimeout        time.Duration

	WebhookCircuitBreakerEnabled  bool
	WebhookCircuitFailureThreshold int
	WebhookCircuitCooldown        time.Duration

	PolitenessDelay      time.Duration
	PolitenessJitter     time.Duration
	ScheduleJitter       time.Duration

	MaxConcurrency int

	TargetDomainAllowlist  []string
	TargetDomainDenylist   []string
	WebhookDomainAllowlist []string
	WebhookDomainDenylist  []string
	AllowLocalhost         bool

	RedactLogs      bool
	StructuredLogs  bool
	Debug           bool
}

// Config is the top-level run configuration, decoded strictly from a single
// JSON document (unknown top-level keys are rejected). One Config produces
// one or more Targets sharing a RunPolicy.
type Config struct {
	Mode      RunMode  `json:"mode"`
	TargetURL string   `json:"target_url,omitempty"`
	Targets   []Target `json:"targets,omitempty"`

	// targetLayout is derived from target_url vs targets in Validate, not
	// decoded from JSON; it is the internal single/multi-target distinction
	// BuildTargets switches on, kept separate from the spec's mode enum.
	targetLayout string

	Selector           string      `json:"selector,omitempty"`
	Fields             []FieldSpec `json:"fields,omitempty"`
	IgnoreJSONPaths    []string    `json:"ignore_json_paths,omitempty"`
	IgnoreSelectors    []string    `json:"ignore_selectors,omitempty"`
	IgnoreAttributes   []string    `json:"ignore_attributes,omitempty"`
	IgnoreRegexes      []string    `json:"ignore_regexes,omitempty"`
	IgnoreRegexPresets []string    `json:"ignore_regex_presets,omitempty"`

	RenderingMode        RenderingMode   `json:"rendering_mode,omitempty"`
	SelectorAggregation  AggregationMode `json:"selector_aggregation_mode,omitempty"`
	WhitespaceMode       WhitespaceMode  `json:"whitespace_mode,omitempty"`
	UnicodeNormalization bool            `json:"unicode_normalization,omitempty"`

	MaxContentBytes int64 `json:"max_content_bytes,omitempty"`
	MaxRedirects    int   `json:"max_redirects,omitempty"`
	MaxPayloadBytes int   `json:"max_payload_bytes,omitempty"`

	FetchTimeoutSecs        float64 `json:"fetch_timeout_secs,omitempty"`
	FetchConnectTimeoutSecs float64 `json:"fetch_connect_timeout_secs,omitempty"`
	FetchMaxRetries         int     `json:"fetch_max_retries,omitempty"`
	FetchRetryBackoffMs     int64   `json:"fetch_retry_backoff_ms,omitempty"`

	WebhookURLs             []string            `json:"webhook_urls,omitempty"`
	WebhookDeliveryMode     WebhookDeliveryMode `json:"webhook_delivery_mode,omitempty"`
	WebhookMethod           string              `json:"webhook_method,omitempty"`
	WebhookContentType      string              `json:"webhook_content_type,omitempty"`
	WebhookHeaders          map[string]string   `json:"webhook_headers,omitempty"`
	WebhookSecret           string              `json:"webhook_secret,omitempty"`
	WebhookMaxRetries       int                 `json:"webhook_max_retries,omitempty"`
	WebhookRetryBackoffMs   int64               `json:"webhook_retry_backoff_ms,omitempty"`
	WebhookTimeoutSecs      float64             `json:"webhook_timeout_secs,omitempty"`

	WebhookCircuitBreakerEnabled   bool  `json:"webhook_circuit_breaker_enabled,omitempty"`
	WebhookCircuitFailureThreshold int   `json:"webhook_circuit_failure_threshold,omitempty"`
	WebhookCircuitCooldownSecs     int64 `json:"webhook_circuit_cooldown_secs,omitempty"`

	PolitenessDelayMs int64 `json:"politeness_delay_ms,omitempty"`
	PolitenessJitterMs int64 `json:"politeness_jitter_ms,omitempty"`
	ScheduleJitterMs  int64 `json:"schedule_jitter_ms,omitempty"`

	MaxConcurrency int `json:"max_concurrency,omitempty"`

	BaselineMode     BaselineMode        `json:"baseline_mode,omitempty"`
	ResetBaseline    bool                `json:"reset_baseline,omitempty"`
	MinTextLength    int                 `json:"min_text_length,omitempty"`
	OnEmptySnapshot  EmptySnapshotPolicy `json:"on_empty_snapshot,omitempty"`
	MinChangeRatio   float64             `json:"min_change_ratio,omitempty"`

	TargetDomainAllowlist  []string `json:"target_domain_allowlist,omitempty"`
	TargetDomainDenylist   []string `json:"target_domain_denylist,omitempty"`
	WebhookDomainAllowlist []string `json:"webhook_domain_allowlist,omitempty"`
	WebhookDomainDenylist  []string `json:"webhook_domain_denylist,omitempty"`
	AllowLocalhost         bool     `json:"allow_localhost,omitempty"`

	RedactLogs     bool `json:"redact_logs,omitempty"`
	StructuredLogs bool `json:"structured_logs,omitempty"`
	Debug          bool `json:"debug,omitempty"`

	NotifyOnNoChange           bool  `json:"notify_on_no_change,omitempty"`
	NotifyOnFetchFailure       bool  `json:"notify_on_fetch_failure,omitempty"`
	FetchFailureDebounceSecs   int64 `json:"fetch_failure_debounce_secs,omitempty"`

	HTTPPort       string `json:"http_port,omitempty"`
	StateBucket    string `json:"state_bucket,omitempty"`
	StateLocalPath string `json:"state_local_path,omitempty"`

	DeadLetterLimit               int  `json:"dead_letter_limit,omitempty"`
	DeadLetterDryRun              bool `json:"dead_letter_dry_run,omitempty"`
	DeadLetterUseStoredWebhookURL bool `json:"dead_letter_use_stored_webhook_url,omitempty"`
}

// defaults mirrors the option table's "default" column exactly (spec §6).
func (c *Config) defaults() {
	if c.RenderingMode == "" {
		c.RenderingMode = RenderingStatic
	}
	if c.SelectorAggregation == "" {
		c.SelectorAggregation = AggregationAll
	}
	if c.WhitespaceMode == "" {
		c.WhitespaceMode = WhitespaceCollapse
	}
	if c.MaxContentBytes == 0 {
		c.MaxContentBytes = 10 * 1024 * 1024
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 5
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = 256 * 1024
	}
	if c.FetchTimeoutSecs == 0 {
		c.FetchTimeoutSecs = 30
	}
	if c.FetchConnectTimeoutSecs == 0 {
		c.FetchConnectTimeoutSecs = 10
	}
	if c.FetchMaxRetries == 0 {
		c.FetchMaxRetries = 3
	}
	if c.FetchRetryBackoffMs == 0 {
		c.FetchRetryBackoffMs = 500
	}
	if c.WebhookDeliveryMode == "" {
		c.WebhookDeliveryMode = DeliveryAll
	}
	if c.WebhookMethod == "" {
		c.WebhookMethod = "POST"
	}
	if c.WebhookContentType == "" {
		c.WebhookContentType = "application/json"
	}
	if c.WebhookMaxRetries == 0 {
		c.WebhookMaxRetries = 3
	}
	if c.WebhookRetryBackoffMs == 0 {
		c.WebhookRetryBackoffMs = 1000
	}
	if c.WebhookTimeoutSecs == 0 {
		c.WebhookTimeoutSecs = 15
	}
	if c.WebhookCircuitFailureThreshold == 0 {
		c.WebhookCircuitFailureThreshold = 5
	}
	if c.WebhookCircuitCooldownSecs == 0 {
		c.WebhookCircuitCooldownSecs = 300
	}
	if c.PolitenessDelayMs == 0 {
		c.PolitenessDelayMs = 1000
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 4
	}
	if c.BaselineMode == "" {
		c.BaselineMode = BaselineSilent
	}
	if c.OnEmptySnapshot == "" {
		c.OnEmptySnapshot = EmptySnapshotPolicyError
	}
	if c.FetchFailureDebounceSecs == 0 {
		c.FetchFailureDebounceSecs = 3600
	}
}

// ParseConfig decodes and validates a run configuration document, rejecting
// unknown top-level keys the way strict deployment configs typically do.
func ParseConfig(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants that defaults() cannot repair.
func (c *Config) Validate() error {
	switch c.Mode {
	case RunModeMonitor, RunModeReplayDeadLetter:
	default:
		return fmt.Errorf("config: mode must be %q or %q, got %q", RunModeMonitor, RunModeReplayDeadLetter, c.Mode)
	}

	switch {
	case c.TargetURL != "" && len(c.Targets) > 0:
		return fmt.Errorf("config: specify either target_url or targets, not both")
	case c.TargetURL != "":
		c.targetLayout = "single"
	case len(c.Targets) > 0:
		c.targetLayout = "batch"
	case c.Mode == RunModeMonitor:
		return fmt.Errorf("config: mode %q requires target_url or a non-empty targets list", c.Mode)
	}

	if c.MinChangeRatio < 0 || c.MinChangeRatio > 1 {
		return fmt.Errorf("config: min_change_ratio must be in [0,1], got %v", c.MinChangeRatio)
	}
	if c.HTTPPort == "" {
		c.HTTPPort = "8080"
	}
	if c.DeadLetterLimit == 0 {
		c.DeadLetterLimit = 50
	}
	switch c.WebhookDeliveryMode {
	case DeliveryAll, DeliveryAny:
	default:
		return fmt.Errorf("config: webhook_delivery_mode must be %q or %q, got %q", DeliveryAll, DeliveryAny, c.WebhookDeliveryMode)
	}
	return nil
}

// Policy projects the run-level settings into the RunPolicy each Target embeds.
func (c *Config) Policy() RunPolicy {
	return RunPolicy{
		MaxContentBytes:                c.MaxContentBytes,
		MaxRedirects:                   c.MaxRedirects,
		MaxPayloadBytes:                c.MaxPayloadBytes,
		FetchTimeout:                   time.Duration(c.FetchTimeoutSecs * float64(time.Second)),
		FetchConnectTimeout:            time.Duration(c.FetchConnectTimeoutSecs * float64(time.Second)),
		FetchMaxRetries:                c.FetchMaxRetries,
		FetchRetryBackoff:              time.Duration(c.FetchRetryBackoffMs) * time.Millisecond,
		WebhookURLs:                    c.WebhookURLs,
		WebhookDeliveryMode:            c.WebhookDeliveryMode,
		WebhookMethod:                  c.WebhookMethod,
		WebhookContentType:             c.WebhookContentType,
		WebhookHeaders:                 c.WebhookHeaders,
		WebhookSecret:                  c.WebhookSecret,
		WebhookMaxRetries:              c.WebhookMaxRetries,
		WebhookRetryBackoff:            time.Duration(c.WebhookRetryBackoffMs) * time.Millisecond,
		WebhookTimeout:                 time.Duration(c.WebhookTimeoutSecs * float64(time.Second)),
		WebhookCircuitBreakerEnabled:   c.WebhookCircuitBreakerEnabled,
		WebhookCircuitFailureThreshold: c.WebhookCircuitFailureThreshold,
		WebhookCircuitCooldown:         time.Duration(c.WebhookCircuitCooldownSecs) * time.Second,
		PolitenessDelay:                time.Duration(c.PolitenessDelayMs) * time.Millisecond,
		PolitenessJitter:               time.Duration(c.PolitenessJitterMs) * time.Millisecond,
		ScheduleJitter:                 time.Duration(c.ScheduleJitterMs) * time.Millisecond,
		MaxConcurrency:                 c.MaxConcurrency,
		TargetDomainAllowlist:          c.TargetDomainAllowlist,
		TargetDomainDenylist:           c.TargetDomainDenylist,
		WebhookDomainAllowlist:         c.WebhookDomainAllowlist,
		WebhookDomainDenylist:          c.WebhookDomainDenylist,
		AllowLocalhost:                 c.AllowLocalhost,
		RedactLogs:                     c.RedactLogs,
		StructuredLogs:                 c.StructuredLogs,
		Debug:                          c.Debug,
	}
}

// BuildTargets expands the Config into one or more fully-populated Targets,
// each carrying the shared RunPolicy and any per-target overrides layered on
// top of the run-level defaults (single mode has exactly one implicit target).
func (c *Config) BuildTargets() []Target {
	policy := c.Policy()
	if c.targetLayout == "single" {
		t := Target{
			URL:                  c.TargetURL,
			Selector:             c.Selector,
			Fields:               c.Fields,
			IgnoreJSONPaths:      c.IgnoreJSONPaths,
			IgnoreSelectors:      c.IgnoreSelectors,
			IgnoreAttributes:     c.IgnoreAttributes,
			IgnoreRegexes:        c.IgnoreRegexes,
			IgnoreRegexPresets:   c.IgnoreRegexPresets,
			SelectorAggregation:  c.SelectorAggregation,
			WhitespaceMode:       c.WhitespaceMode,
			UnicodeNormalization: c.UnicodeNormalization,
			RenderingMode:        c.RenderingMode,
			MinTextLength:        c.MinTextLength,
			OnEmptySnapshot:      c.OnEmptySnapshot,
			MinChangeRatio:       c.MinChangeRatio,
			BaselineMode:         c.BaselineMode,
			ResetBaseline:        c.ResetBaseline,
			NotifyOnNoChange:     c.NotifyOnNoChange,
			NotifyOnFetchFailure: c.NotifyOnFetchFailure,
			FetchFailureDebounce: time.Duration(c.FetchFailureDebounceSecs) * time.Second,
			Policy:               policy,
		}
		return []Target{t}
	}
	targets := make([]Target, len(c.Targets))
	for i, t := range c.Targets {
		if t.SelectorAggregation == "" {
			t.SelectorAggregation = c.SelectorAggregation
		}
		if t.WhitespaceMode == "" {
			t.WhitespaceMode = c.WhitespaceMode
		}
		if t.RenderingMode == "" {
			t.RenderingMode = c.RenderingMode
		}
		if t.OnEmptySnapshot == "" {
			t.OnEmptySnapshot = c.OnEmptySnapshot
		}
		if t.BaselineMode == "" {
			t.BaselineMode = c.BaselineMode
		}
		if t.MinTextLength == 0 {
			t.MinTextLength = c.MinTextLength
		}
		if t.FetchFailureDebounce == 0 {
			t.FetchFailureDebounce = time.Duration(c.FetchFailureDebounceSecs) * time.Second
		}
		t.Policy = policy
		targets[i] = t
	}
	return targets
}
