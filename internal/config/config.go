package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Credits   CreditsConfig
	Dialer    DialerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for managed-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// SchedulerConfig drives the campaign cron tick. The trigger is external and
// at-least-once; these knobs bound each invocation.
type SchedulerConfig struct {
	// Secret authorizes the external trigger (X-Scheduler-Secret).
	Secret string

	// BatchSize bounds both the reconcile and dispatch phases per tick.
	BatchSize int

	// DispatchCostCredits is the fixed per-attempt charge.
	DispatchCostCredits int64

	// RatePerMinuteCredits is the duration-billing rate applied at settlement.
	RatePerMinuteCredits int64

	PollInterval           time.Duration
	DispatchBackoff        time.Duration
	BillingRetryDelay      time.Duration
	InsufficientFundsDelay time.Duration

	// MaxCallAge bounds how long a dialed call may stay unresolved before the
	// enrollment is failed instead of polled again.
	MaxCallAge time.Duration
}

// CreditsConfig configures the ledger's auto-top-up hook and policy exceptions.
type CreditsConfig struct {
	// TopUpURL/TopUpAPIKey point at the payment collaborator. Empty URL means
	// top-ups are unavailable (auto-top-up degrades to insufficient funds).
	TopUpURL    string
	TopUpAPIKey string

	// CreditsPerPackage is the top-up package size.
	CreditsPerPackage int64

	// FreeOwnerIDs bypass consumption entirely (demo accounts).
	// Comma-separated in CREDITS_FREE_OWNER_IDS.
	FreeOwnerIDs []string
}

// DialerConfig holds provider defaults. Per-owner credentials come from
// storage; these are the platform-level fallbacks.
type DialerConfig struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioBaseURL    string

	VoiceAgentBaseURL string

	// RecordingCallbackURL receives provider recording-status callbacks.
	// Best effort only; correctness never depends on it.
	RecordingCallbackURL string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Scheduler.Secret = os.Getenv("SCHEDULER_SECRET")
	c.Scheduler.BatchSize = optInt("SCHEDULER_BATCH_SIZE")
	c.Scheduler.DispatchCostCredits = int64(optInt("SCHEDULER_DISPATCH_COST"))
	c.Scheduler.RatePerMinuteCredits = int64(optInt("SCHEDULER_RATE_PER_MINUTE"))
	c.Scheduler.PollInterval = mustDuration("SCHEDULER_POLL_INTERVAL")
	c.Scheduler.DispatchBackoff = mustDuration("SCHEDULER_DISPATCH_BACKOFF")
	c.Scheduler.BillingRetryDelay = mustDuration("SCHEDULER_BILLING_RETRY_DELAY")
	c.Scheduler.InsufficientFundsDelay = mustDuration("SCHEDULER_FUNDS_DELAY")
	c.Scheduler.MaxCallAge = mustDuration("SCHEDULER_MAX_CALL_AGE")

	c.Credits.TopUpURL = strings.TrimSpace(os.Getenv("CREDITS_TOPUP_URL"))
	c.Credits.TopUpAPIKey = os.Getenv("CREDITS_TOPUP_API_KEY")
	c.Credits.CreditsPerPackage = int64(optInt("CREDITS_PER_PACKAGE"))
	if raw := strings.TrimSpace(os.Getenv("CREDITS_FREE_OWNER_IDS")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Credits.FreeOwnerIDs = append(c.Credits.FreeOwnerIDs, id)
			}
		}
	}

	c.Dialer.TwilioAccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Dialer.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Dialer.TwilioFromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Dialer.TwilioBaseURL = strings.TrimSpace(os.Getenv("TWILIO_BASE_URL"))
	c.Dialer.VoiceAgentBaseURL = strings.TrimSpace(os.Getenv("VOICE_AGENT_BASE_URL"))
	c.Dialer.RecordingCallbackURL = strings.TrimSpace(os.Getenv("RECORDING_CALLBACK_URL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Scheduler.Secret == "" {
		errs = append(errs, errors.New("SCHEDULER_SECRET is required"))
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 60
	}
	if c.Scheduler.DispatchCostCredits <= 0 {
		c.Scheduler.DispatchCostCredits = 10
	}
	if c.Scheduler.RatePerMinuteCredits <= 0 {
		c.Scheduler.RatePerMinuteCredits = 5
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 30 * time.Second
	}
	if c.Scheduler.DispatchBackoff <= 0 {
		c.Scheduler.DispatchBackoff = 5 * time.Minute
	}
	if c.Scheduler.BillingRetryDelay <= 0 {
		c.Scheduler.BillingRetryDelay = 10 * time.Minute
	}
	if c.Scheduler.InsufficientFundsDelay <= 0 {
		c.Scheduler.InsufficientFundsDelay = time.Hour
	}
	if c.Scheduler.MaxCallAge <= 0 {
		c.Scheduler.MaxCallAge = 30 * time.Minute
	}

	if c.Credits.CreditsPerPackage <= 0 {
		c.Credits.CreditsPerPackage = 500
	}

	if c.IsProduction() {
		if c.Dialer.TwilioAccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
		}
		if c.Dialer.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
	}
	if c.Dialer.TwilioBaseURL == "" {
		c.Dialer.TwilioBaseURL = "https://api.twilio.com"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optInt returns 0 when unset or malformed; defaults are applied in Validate().
func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
