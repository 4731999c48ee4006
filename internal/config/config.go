// Package config loads and validates the controller configuration.
//
// Configuration is HCL. Attribute values may reference process environment
// variables through the env object, e.g. bucket = env.HISTORY_BUCKET, so
// secrets and per-site values stay out of the checked-in file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/dc-tec/deploysync/internal/constants"
)

// revisionPattern bounds what we accept as a revision identifier (commit
// SHA or tag). It keeps revision values safe for filesystem paths and
// object-store keys.
var revisionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Config is the cooked controller configuration.
type Config struct {
	// SourceRoot is the directory holding one checkout per revision,
	// laid out as <SourceRoot>/<revision>/.
	SourceRoot string

	Environments []Environment
	Reconcile    Reconcile
	Build        *Build
	History      *History
}

// Environment binds one source branch to one deployment target. Immutable
// after load.
type Environment struct {
	Name      string
	Branch    string
	Namespace string

	// Kubeconfig and Context select the target cluster. An empty
	// Kubeconfig means in-cluster configuration.
	Kubeconfig string
	Context    string

	Source Source

	// Prune opts this environment into deleting observed resources that
	// are absent from the desired set. Off by default.
	Prune bool

	// ResyncSchedule optionally re-reconciles the current revision on a
	// cron cadence to correct drift. Empty disables resync.
	ResyncSchedule string

	Auth        Auth
	VerifyImage *VerifyImage
}

// Source locates the render inputs inside a revision checkout. Paths are
// relative to the checkout directory.
type Source struct {
	// Manifests is the directory of manifest templates.
	Manifests string
	// Values is the base values file.
	Values string
	// Overlay is the environment overlay values file. When empty it
	// defaults to values-<environment>.yaml next to the base file. A
	// missing overlay file is not an error.
	Overlay string
}

// Auth configures how the environment's cluster credentials are acquired.
// All variants yield short-lived bearer tokens; nothing here is written
// back to disk. When every field is empty the kubeconfig's own mechanism
// (such as an exec plugin) is used unchanged.
type Auth struct {
	// Token is a static bearer token. Intended for tests and local
	// development only.
	Token string
	// TokenFile is re-read whenever the cached token expires, matching
	// projected service account token rotation.
	TokenFile string
	// TokenCommand is executed to mint a token, e.g. an OIDC helper or
	// aws eks get-token. Stdout is the token.
	TokenCommand []string
	// TokenTTL bounds how long an acquired token is reused before
	// re-acquisition.
	TokenTTL time.Duration
}

// VerifyImage gates reconciliation on a cosign signature check of the
// image reference produced by the build collaborator.
type VerifyImage struct {
	PublicKeyPath string
	// FailurePolicy is Warn or Block.
	FailurePolicy string
	// IgnoreTlog skips the Rekor transparency log check, for images signed
	// with a plain key pair that was never uploaded to a public log.
	IgnoreTlog bool
}

// Reconcile carries the retry and cadence budgets shared by all
// environment workers.
type Reconcile struct {
	// MaxAttempts bounds transient-error retries within one pass.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DegradedCadence is the fixed delay before a Degraded record
	// re-enters Applying; DegradedBudget bounds consecutive Degraded
	// passes before escalation to Failed.
	DegradedCadence time.Duration
	DegradedBudget  int

	// PollInterval paces status waits and post-apply confirmation.
	// Values below the floor are raised so waiters never busy-spin.
	PollInterval time.Duration
}

// Build configures the external build/scan collaborator. The command is
// invoked with the source revision appended and must print an image
// reference on stdout.
type Build struct {
	Command []string
	Timeout time.Duration
}

// History configures persistent SyncRecord storage. Without it, history
// lives in memory for the lifetime of the run.
type History struct {
	S3 *S3History
}

// S3History stores finished SyncRecords as JSON objects.
type S3History struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool

	// AccessKey and SecretKey switch the client to static credentials,
	// e.g. for MinIO. Left empty, the SDK default chain applies. Use
	// env interpolation to keep key material out of the file.
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// Raw HCL schema. Durations arrive as strings and are cooked by load.

type hclFile struct {
	Source       *hclSource       `hcl:"source,block"`
	Environments []hclEnvironment `hcl:"environment,block"`
	Reconcile    *hclReconcile    `hcl:"reconcile,block"`
	Build        *hclBuild        `hcl:"build,block"`
	History      *hclHistory      `hcl:"history,block"`
}

type hclSource struct {
	Root string `hcl:"root"`
}

type hclEnvironment struct {
	Name string `hcl:"name,label"`

	Branch    string `hcl:"branch"`
	Namespace string `hcl:"namespace"`

	Kubeconfig *string `hcl:"kubeconfig,optional"`
	Context    *string `hcl:"context,optional"`

	Source *hclEnvSource `hcl:"source,block"`

	Prune          *bool   `hcl:"prune,optional"`
	ResyncSchedule *string `hcl:"resync_schedule,optional"`

	Auth        *hclAuth        `hcl:"auth,block"`
	VerifyImage *hclVerifyImage `hcl:"verify_image,block"`
}

type hclEnvSource struct {
	Manifests *string `hcl:"manifests,optional"`
	Values    *string `hcl:"values,optional"`
	Overlay   *string `hcl:"overlay,optional"`
}

type hclAuth struct {
	Token        *string   `hcl:"token,optional"`
	TokenFile    *string   `hcl:"token_file,optional"`
	TokenCommand *[]string `hcl:"token_command,optional"`
	TokenTTL     *string   `hcl:"token_ttl,optional"`
}

type hclVerifyImage struct {
	PublicKeyPath string  `hcl:"public_key_path"`
	FailurePolicy *string `hcl:"failure_policy,optional"`
	IgnoreTlog    *bool   `hcl:"ignore_tlog,optional"`
}

type hclReconcile struct {
	MaxAttempts     *int    `hcl:"max_attempts,optional"`
	BackoffBase     *string `hcl:"backoff_base,optional"`
	BackoffCap      *string `hcl:"backoff_cap,optional"`
	DegradedCadence *string `hcl:"degraded_cadence,optional"`
	DegradedBudget  *int    `hcl:"degraded_budget,optional"`
	PollInterval    *string `hcl:"poll_interval,optional"`
}

type hclBuild struct {
	Command []string `hcl:"command"`
	Timeout *string  `hcl:"timeout,optional"`
}

type hclHistory struct {
	S3 *hclS3History `hcl:"s3,block"`
}

type hclS3History struct {
	Bucket       string  `hcl:"bucket"`
	Region       string  `hcl:"region"`
	Endpoint     *string `hcl:"endpoint,optional"`
	Prefix       *string `hcl:"prefix,optional"`
	PathStyle    *bool   `hcl:"path_style,optional"`
	AccessKey    *string `hcl:"access_key,optional"`
	SecretKey    *string `hcl:"secret_key,optional"`
	SessionToken *string `hcl:"session_token,optional"`
}

// Load reads, parses, cooks, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-chosen configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Parse(data, filepath.Base(path))
}

// Parse decodes configuration from bytes. The filename only labels
// diagnostics.
func Parse(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse configuration: %w", diags)
	}

	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode configuration: %w", diags)
	}

	cfg, err := cook(&raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// evalContext exposes process environment variables as env.<NAME>.
func evalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}

	envVal := cty.EmptyObjectVal
	if len(vars) > 0 {
		envVal = cty.ObjectVal(vars)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": envVal},
	}
}

func cook(raw *hclFile) (*Config, error) {
	cfg := &Config{}

	if raw.Source != nil {
		cfg.SourceRoot = raw.Source.Root
	}

	for _, e := range raw.Environments {
		env := Environment{
			Name:      e.Name,
			Branch:    e.Branch,
			Namespace: e.Namespace,
		}
		if e.Kubeconfig != nil {
			env.Kubeconfig = *e.Kubeconfig
		}
		if e.Context != nil {
			env.Context = *e.Context
		}
		if e.Source != nil {
			if e.Source.Manifests != nil {
				env.Source.Manifests = *e.Source.Manifests
			}
			if e.Source.Values != nil {
				env.Source.Values = *e.Source.Values
			}
			if e.Source.Overlay != nil {
				env.Source.Overlay = *e.Source.Overlay
			}
		}
		if e.Prune != nil {
			env.Prune = *e.Prune
		}
		if e.ResyncSchedule != nil {
			env.ResyncSchedule = *e.ResyncSchedule
		}
		if e.Auth != nil {
			if e.Auth.Token != nil {
				env.Auth.Token = *e.Auth.Token
			}
			if e.Auth.TokenFile != nil {
				env.Auth.TokenFile = *e.Auth.TokenFile
			}
			if e.Auth.TokenCommand != nil {
				env.Auth.TokenCommand = *e.Auth.TokenCommand
			}
			if e.Auth.TokenTTL != nil {
				ttl, err := parseDuration(*e.Auth.TokenTTL, "environment "+e.Name+" auth.token_ttl")
				if err != nil {
					return nil, err
				}
				env.Auth.TokenTTL = ttl
			}
		}
		if e.VerifyImage != nil {
			vi := &VerifyImage{
				PublicKeyPath: e.VerifyImage.PublicKeyPath,
				FailurePolicy: constants.ImageVerificationFailurePolicyBlock,
			}
			if e.VerifyImage.FailurePolicy != nil {
				vi.FailurePolicy = *e.VerifyImage.FailurePolicy
			}
			if e.VerifyImage.IgnoreTlog != nil {
				vi.IgnoreTlog = *e.VerifyImage.IgnoreTlog
			}
			env.VerifyImage = vi
		}
		cfg.Environments = append(cfg.Environments, env)
	}

	if raw.Reconcile != nil {
		r := raw.Reconcile
		if r.MaxAttempts != nil {
			cfg.Reconcile.MaxAttempts = *r.MaxAttempts
		}
		var err error
		if cfg.Reconcile.BackoffBase, err = parseOptionalDuration(r.BackoffBase, "reconcile.backoff_base"); err != nil {
			return nil, err
		}
		if cfg.Reconcile.BackoffCap, err = parseOptionalDuration(r.BackoffCap, "reconcile.backoff_cap"); err != nil {
			return nil, err
		}
		if cfg.Reconcile.DegradedCadence, err = parseOptionalDuration(r.DegradedCadence, "reconcile.degraded_cadence"); err != nil {
			return nil, err
		}
		if r.DegradedBudget != nil {
			cfg.Reconcile.DegradedBudget = *r.DegradedBudget
		}
		if cfg.Reconcile.PollInterval, err = parseOptionalDuration(r.PollInterval, "reconcile.poll_interval"); err != nil {
			return nil, err
		}
	}

	if raw.Build != nil {
		b := &Build{Command: raw.Build.Command}
		timeout, err := parseOptionalDuration(raw.Build.Timeout, "build.timeout")
		if err != nil {
			return nil, err
		}
		b.Timeout = timeout
		cfg.Build = b
	}

	if raw.History != nil && raw.History.S3 != nil {
		s3 := &S3History{
			Bucket: raw.History.S3.Bucket,
			Region: raw.History.S3.Region,
		}
		if raw.History.S3.Endpoint != nil {
			s3.Endpoint = *raw.History.S3.Endpoint
		}
		if raw.History.S3.Prefix != nil {
			s3.Prefix = *raw.History.S3.Prefix
		}
		if raw.History.S3.PathStyle != nil {
			s3.PathStyle = *raw.History.S3.PathStyle
		}
		if raw.History.S3.AccessKey != nil {
			s3.AccessKey = *raw.History.S3.AccessKey
		}
		if raw.History.S3.SecretKey != nil {
			s3.SecretKey = *raw.History.S3.SecretKey
		}
		if raw.History.S3.SessionToken != nil {
			s3.SessionToken = *raw.History.S3.SessionToken
		}
		cfg.History = &History{S3: s3}
	}

	return cfg, nil
}

func parseDuration(value, field string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("failed to parse %s: must be positive, got %q", field, value)
	}
	return d, nil
}

func parseOptionalDuration(value *string, field string) (time.Duration, error) {
	if value == nil {
		return 0, nil
	}
	return parseDuration(*value, field)
}

func applyDefaults(cfg *Config) {
	if cfg.Reconcile.MaxAttempts == 0 {
		cfg.Reconcile.MaxAttempts = constants.DefaultMaxAttempts
	}
	if cfg.Reconcile.BackoffBase == 0 {
		cfg.Reconcile.BackoffBase = constants.DefaultBackoffBase
	}
	if cfg.Reconcile.BackoffCap == 0 {
		cfg.Reconcile.BackoffCap = constants.DefaultBackoffCap
	}
	if cfg.Reconcile.DegradedCadence == 0 {
		cfg.Reconcile.DegradedCadence = constants.DefaultDegradedCadence
	}
	if cfg.Reconcile.DegradedBudget == 0 {
		cfg.Reconcile.DegradedBudget = constants.DefaultDegradedBudget
	}
	if cfg.Reconcile.PollInterval == 0 {
		cfg.Reconcile.PollInterval = constants.DefaultPollInterval
	}
	if cfg.Reconcile.PollInterval < constants.MinPollInterval {
		cfg.Reconcile.PollInterval = constants.MinPollInterval
	}

	if cfg.Build != nil && cfg.Build.Timeout == 0 {
		cfg.Build.Timeout = 10 * time.Minute
	}

	for i := range cfg.Environments {
		env := &cfg.Environments[i]
		if env.Source.Values == "" {
			env.Source.Values = constants.BaseValuesFile
		}
		if env.Source.Overlay == "" {
			dir := filepath.Dir(env.Source.Values)
			env.Source.Overlay = filepath.Join(dir, constants.OverlayValuesStem+env.Name+".yaml")
		}
		if env.Source.Manifests == "" {
			env.Source.Manifests = constants.ManifestsDir
		}
		if env.Auth.TokenTTL == 0 {
			env.Auth.TokenTTL = 10 * time.Minute
		}
	}
}

// Validate checks structural requirements. Branch bindings must form a
// bijection: every environment names exactly one branch and no branch is
// claimed twice.
func (c *Config) Validate() error {
	if len(c.Environments) == 0 {
		return fmt.Errorf("configuration must declare at least one environment")
	}
	if c.SourceRoot == "" {
		return fmt.Errorf("source block with root is required")
	}

	names := make(map[string]struct{}, len(c.Environments))
	branches := make(map[string]string, len(c.Environments))
	for _, env := range c.Environments {
		if env.Name == "" {
			return fmt.Errorf("environment with empty name")
		}
		if _, dup := names[env.Name]; dup {
			return fmt.Errorf("duplicate environment %q", env.Name)
		}
		names[env.Name] = struct{}{}

		if env.Branch == "" {
			return fmt.Errorf("environment %q: branch is required", env.Name)
		}
		if prev, dup := branches[env.Branch]; dup {
			return fmt.Errorf("branch %q bound to both %q and %q; branch bindings must be one-to-one", env.Branch, prev, env.Name)
		}
		branches[env.Branch] = env.Name

		if env.Namespace == "" {
			return fmt.Errorf("environment %q: namespace is required", env.Name)
		}

		if env.ResyncSchedule != "" {
			if _, err := ParseResyncSchedule(env.ResyncSchedule); err != nil {
				return fmt.Errorf("environment %q: %w", env.Name, err)
			}
		}

		if env.VerifyImage != nil {
			switch env.VerifyImage.FailurePolicy {
			case constants.ImageVerificationFailurePolicyWarn, constants.ImageVerificationFailurePolicyBlock:
			default:
				return fmt.Errorf("environment %q: verify_image.failure_policy must be %s or %s",
					env.Name, constants.ImageVerificationFailurePolicyWarn, constants.ImageVerificationFailurePolicyBlock)
			}
			if env.VerifyImage.PublicKeyPath == "" {
				return fmt.Errorf("environment %q: verify_image.public_key_path is required", env.Name)
			}
		}

		if env.Auth.Token != "" && (env.Auth.TokenFile != "" || len(env.Auth.TokenCommand) > 0) {
			return fmt.Errorf("environment %q: auth.token is mutually exclusive with token_file and token_command", env.Name)
		}
		if env.Auth.TokenFile != "" && len(env.Auth.TokenCommand) > 0 {
			return fmt.Errorf("environment %q: auth.token_file and auth.token_command are mutually exclusive", env.Name)
		}
	}

	if c.Build != nil && len(c.Build.Command) == 0 {
		return fmt.Errorf("build.command must not be empty")
	}
	if c.History != nil && c.History.S3 != nil {
		if c.History.S3.Bucket == "" {
			return fmt.Errorf("history.s3.bucket is required")
		}
		if c.History.S3.Region == "" {
			return fmt.Errorf("history.s3.region is required")
		}
		if (c.History.S3.AccessKey == "") != (c.History.S3.SecretKey == "") {
			return fmt.Errorf("history.s3: access_key and secret_key must be set together, or neither")
		}
	}

	return nil
}

// Environment returns the named environment.
func (c *Config) Environment(name string) (Environment, bool) {
	for _, env := range c.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return Environment{}, false
}

// EnvironmentForBranch resolves a push event's branch through the
// one-to-one branch binding.
func (c *Config) EnvironmentForBranch(branch string) (Environment, bool) {
	for _, env := range c.Environments {
		if env.Branch == branch {
			return env, true
		}
	}
	return Environment{}, false
}

// ValidRevision reports whether a revision identifier is acceptable.
func ValidRevision(revision string) bool {
	return revisionPattern.MatchString(revision)
}

// RevisionDir returns the checkout directory for a revision.
func (c *Config) RevisionDir(revision string) (string, error) {
	if !ValidRevision(revision) {
		return "", fmt.Errorf("invalid revision %q", revision)
	}
	return filepath.Join(c.SourceRoot, revision), nil
}
