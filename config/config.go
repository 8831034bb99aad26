package config

import (
	"os"
	"strconv"
	"time"
)

// Policy holds the protocol parameters that govern claim intake, staking
// bounds, and resolution. Values mirror the platform defaults and can be
// overridden per deployment through the environment.
type Policy struct {
	TitleMinLen       int
	TitleMaxLen       int
	ContentMinLen     int
	ContentMaxLen     int
	MaxEvidenceURLs   int
	MinStake          int64
	MaxStake          int64
	WindowDuration    time.Duration
	VerifyThreshold   float64
	InitialTokenGrant int64
}

// Config bundles runtime wiring values with the protocol policy.
type Config struct {
	DatabaseURL    string
	JWTSecret      string
	LedgerURL      string
	LedgerTimeout  time.Duration
	SweepInterval  time.Duration
	Policy         Policy
}

// DefaultPolicy returns the stock protocol parameters.
func DefaultPolicy() Policy {
	return Policy{
		TitleMinLen:       10,
		TitleMaxLen:       200,
		ContentMinLen:     50,
		ContentMaxLen:     5000,
		MaxEvidenceURLs:   10,
		MinStake:          10,
		MaxStake:          100,
		WindowDuration:    24 * time.Hour,
		VerifyThreshold:   0.66,
		InitialTokenGrant: 1000,
	}
}

// Load reads configuration from the environment, falling back to defaults.
func Load() Config {
	policy := DefaultPolicy()
	policy.MinStake = getint64("MIN_STAKE_AMOUNT", policy.MinStake)
	policy.MaxStake = getint64("MAX_STAKE_AMOUNT", policy.MaxStake)
	policy.WindowDuration = getduration("VOTING_PERIOD", policy.WindowDuration)
	policy.VerifyThreshold = getfloat("VERIFY_THRESHOLD", policy.VerifyThreshold)
	policy.InitialTokenGrant = getint64("INITIAL_TOKEN_GRANT", policy.InitialTokenGrant)

	return Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSecret:     getenv("JWT_SECRET", "dev-secret-change-in-production"),
		LedgerURL:     getenv("LEDGER_URL", ""),
		LedgerTimeout: getduration("LEDGER_TIMEOUT", 5*time.Second),
		SweepInterval: getduration("SWEEP_INTERVAL", 30*time.Second),
		Policy:        policy,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
