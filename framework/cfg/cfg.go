// Package cfg loads CHAPPS's INI-style configuration file and exposes
// typed sections for the service runtime and each policy.
//
// The on-disk format is intentionally plain configparser-style INI
// ([Section] headers, key = value lines); gopkg.in/ini.v1 parses it
// directly with no custom grammar, unlike the teacher's block-style
// cfgparser, which is not part of this tree (see DESIGN.md for why that
// parser was not reused here).
package cfg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

const (
	DefaultConfigPath = "/etc/chapps/chapps.ini"
	EnvConfigPath     = "CHAPPS_CONFIG"
	EnvDBModule       = "CHAPPS_DB_MODULE"
)

// General holds the [CHAPPS] section.
type General struct {
	PayloadEncoding   string
	UserKeys          []string // candidate attribute names, in order
	RequireUserKey    bool
	NoUserKeyResponse string
	RequestBudget     Duration
	WorkerPoolSize    int // 0 means max(4, 2*NumCPU)
}

// Redis holds the [Redis] section.
type Redis struct {
	SentinelServers []string
	SentinelDataset string
	Server          string
	Port            int
	DB              int
	OpTimeout       Duration
}

// Adapter holds the [PolicyConfigAdapter] section.
type Adapter struct {
	DBHost string
	DBPort int
	DBName string
	DBUser string
	DBPass string
}

// OutboundQuota holds the [OutboundQuotaPolicy] section.
type OutboundQuota struct {
	ListenAddress      string
	ListenPort         int
	Margin             string // parsed lazily: int, or float with %/ratio rules
	MinDelta           Duration
	CountingRecipients bool
	RejectionMessage   string
	AcceptanceMessage  string
	NullSenderOK       bool
}

// SenderDomainAuth holds the [SenderDomainAuthPolicy] section.
type SenderDomainAuth struct {
	ListenAddress     string
	ListenPort        int
	RejectionMessage  string
	AcceptanceMessage string
	NullSenderOK      bool
}

// Greylisting holds the [GreylistingPolicy] section.
type Greylisting struct {
	ListenAddress      string
	ListenPort         int
	RejectionMessage   string
	AcceptanceMessage  string
	NullSenderOK       bool
	WhitelistThreshold int64
}

// SPFEnforcement holds the [SPFEnforcementPolicy] section.
type SPFEnforcement struct {
	ListenAddress string
	ListenPort    int
	NullSenderOK  bool
	Timeout       Duration
}

// SPFActions holds the [PostfixSPFActions] section: a result name ->
// directive-or-symbolic-action table.
type SPFActions map[string]string

type Config struct {
	General          General
	Redis            Redis
	Adapter          Adapter
	OutboundQuota    OutboundQuota
	SenderDomainAuth SenderDomainAuth
	Greylisting      Greylisting
	SPFEnforcement   SPFEnforcement
	SPFActions       SPFActions

	path string
}

// Path reports where this Config was loaded from.
func (c *Config) Path() string { return c.path }

// ConfigPath resolves the file to read, honoring CHAPPS_CONFIG.
func ConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// DBModule resolves the adapter backend selected via CHAPPS_DB_MODULE,
// defaulting to "postgres".
func DBModule() string {
	if m := os.Getenv(EnvDBModule); m != "" {
		return m
	}
	return "postgres"
}

// Load reads and parses the config file at path, applying the same
// defaults the CHAPPS defaults file documents.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("cfg: loading %s: %w", path, err)
	}

	cfg := Defaults()
	cfg.path = path

	if s := f.Section("CHAPPS"); s != nil {
		cfg.General.PayloadEncoding = s.Key("payload_encoding").MustString(cfg.General.PayloadEncoding)
		if s.HasKey("user_key") {
			cfg.General.UserKeys = splitList(s.Key("user_key").String())
		}
		cfg.General.RequireUserKey = s.Key("require_user_key").MustBool(cfg.General.RequireUserKey)
		cfg.General.NoUserKeyResponse = s.Key("no_user_key_response").MustString(cfg.General.NoUserKeyResponse)
		if s.HasKey("request_budget") {
			cfg.General.RequestBudget = secondsKey(s, "request_budget", cfg.General.RequestBudget)
		}
	}
	if s := f.Section("Redis"); s != nil {
		cfg.Redis.Server = s.Key("server").MustString(cfg.Redis.Server)
		cfg.Redis.Port = s.Key("port").MustInt(cfg.Redis.Port)
		cfg.Redis.DB = s.Key("db").MustInt(cfg.Redis.DB)
		if s.HasKey("sentinel_servers") {
			cfg.Redis.SentinelServers = splitList(s.Key("sentinel_servers").String())
		}
		cfg.Redis.SentinelDataset = s.Key("sentinel_dataset").MustString(cfg.Redis.SentinelDataset)
		if s.HasKey("op_timeout") {
			cfg.Redis.OpTimeout = secondsKey(s, "op_timeout", cfg.Redis.OpTimeout)
		}
	}
	if s := f.Section("PolicyConfigAdapter"); s != nil {
		cfg.Adapter.DBHost = s.Key("db_host").MustString(cfg.Adapter.DBHost)
		cfg.Adapter.DBPort = s.Key("db_port").MustInt(cfg.Adapter.DBPort)
		cfg.Adapter.DBName = s.Key("db_name").MustString(cfg.Adapter.DBName)
		cfg.Adapter.DBUser = s.Key("db_user").MustString(cfg.Adapter.DBUser)
		cfg.Adapter.DBPass = s.Key("db_pass").MustString(cfg.Adapter.DBPass)
	}
	if s := f.Section("OutboundQuotaPolicy"); s != nil {
		cfg.OutboundQuota.ListenAddress = s.Key("listen_address").MustString(cfg.OutboundQuota.ListenAddress)
		cfg.OutboundQuota.ListenPort = s.Key("listen_port").MustInt(cfg.OutboundQuota.ListenPort)
		cfg.OutboundQuota.Margin = s.Key("margin").MustString(cfg.OutboundQuota.Margin)
		cfg.OutboundQuota.MinDelta = Duration(int64(s.Key("min_delta").MustInt(0)) * int64(time.Second))
		cfg.OutboundQuota.CountingRecipients = s.Key("counting_recipients").MustBool(cfg.OutboundQuota.CountingRecipients)
		cfg.OutboundQuota.RejectionMessage = s.Key("rejection_message").MustString(cfg.OutboundQuota.RejectionMessage)
		cfg.OutboundQuota.AcceptanceMessage = s.Key("acceptance_message").MustString(cfg.OutboundQuota.AcceptanceMessage)
		cfg.OutboundQuota.NullSenderOK = s.Key("null_sender_ok").MustBool(cfg.OutboundQuota.NullSenderOK)
	}
	if s := f.Section("SenderDomainAuthPolicy"); s != nil {
		cfg.SenderDomainAuth.ListenAddress = s.Key("listen_address").MustString(cfg.SenderDomainAuth.ListenAddress)
		cfg.SenderDomainAuth.ListenPort = s.Key("listen_port").MustInt(cfg.SenderDomainAuth.ListenPort)
		cfg.SenderDomainAuth.RejectionMessage = s.Key("rejection_message").MustString(cfg.SenderDomainAuth.RejectionMessage)
		cfg.SenderDomainAuth.AcceptanceMessage = s.Key("acceptance_message").MustString(cfg.SenderDomainAuth.AcceptanceMessage)
		cfg.SenderDomainAuth.NullSenderOK = s.Key("null_sender_ok").MustBool(cfg.SenderDomainAuth.NullSenderOK)
	}
	if s := f.Section("GreylistingPolicy"); s != nil {
		cfg.Greylisting.ListenAddress = s.Key("listen_address").MustString(cfg.Greylisting.ListenAddress)
		cfg.Greylisting.ListenPort = s.Key("listen_port").MustInt(cfg.Greylisting.ListenPort)
		cfg.Greylisting.RejectionMessage = s.Key("rejection_message").MustString(cfg.Greylisting.RejectionMessage)
		cfg.Greylisting.AcceptanceMessage = s.Key("acceptance_message").MustString(cfg.Greylisting.AcceptanceMessage)
		cfg.Greylisting.NullSenderOK = s.Key("null_sender_ok").MustBool(cfg.Greylisting.NullSenderOK)
		cfg.Greylisting.WhitelistThreshold = s.Key("whitelist_threshold").MustInt64(cfg.Greylisting.WhitelistThreshold)
	}
	if s := f.Section("SPFEnforcementPolicy"); s != nil {
		cfg.SPFEnforcement.ListenAddress = s.Key("listen_address").MustString(cfg.SPFEnforcement.ListenAddress)
		cfg.SPFEnforcement.ListenPort = s.Key("listen_port").MustInt(cfg.SPFEnforcement.ListenPort)
		cfg.SPFEnforcement.NullSenderOK = s.Key("null_sender_ok").MustBool(cfg.SPFEnforcement.NullSenderOK)
		if s.HasKey("timeout") {
			cfg.SPFEnforcement.Timeout = secondsKey(s, "timeout", cfg.SPFEnforcement.Timeout)
		}
	}
	if s := f.Section("PostfixSPFActions"); s != nil {
		for k, v := range s.KeysHash() {
			cfg.SPFActions[k] = v
		}
	}

	return cfg, nil
}

// Defaults mirrors the defaults CHAPPSConfig.setup_config establishes
// for a fresh install (original_source/chapps/config.py).
func Defaults() *Config {
	return &Config{
		General: General{
			PayloadEncoding:   "utf-8",
			UserKeys:          []string{"sasl_username", "ccert_subject", "sender", "client_address"},
			RequireUserKey:    true,
			NoUserKeyResponse: "REJECT Rejected - Authentication failed",
			RequestBudget:     Duration(10_000_000_000), // 10s, in ns
			WorkerPoolSize:    0,
		},
		Redis: Redis{
			Server:    "localhost",
			Port:      6379,
			OpTimeout: Duration(2_000_000_000), // 2s
		},
		Adapter: Adapter{
			DBHost: "localhost",
			DBPort: 5432,
			DBName: "chapps",
			DBUser: "chapps",
		},
		OutboundQuota: OutboundQuota{
			ListenAddress:      "localhost",
			ListenPort:         10225,
			Margin:             "0.10",
			CountingRecipients: true,
			RejectionMessage:   "REJECT Rejected - outbound quota fulfilled",
			AcceptanceMessage:  "DUNNO",
		},
		SenderDomainAuth: SenderDomainAuth{
			ListenAddress:     "localhost",
			ListenPort:        10225,
			RejectionMessage:  "REJECT Rejected - not allowed to send mail from this domain",
			AcceptanceMessage: "DUNNO",
		},
		Greylisting: Greylisting{
			ListenAddress:      "localhost",
			ListenPort:         10226,
			RejectionMessage:   "DEFER_IF_PERMIT Service temporarily unavailable - greylisted",
			AcceptanceMessage:  "DUNNO",
			WhitelistThreshold: 10,
		},
		SPFEnforcement: SPFEnforcement{
			ListenAddress: "localhost",
			ListenPort:    10227,
			Timeout:       Duration(20_000_000_000), // 20s
		},
		SPFActions: SPFActions{
			"pass":      "prepend",
			"fail":      "550 5.7.1 SPF check failed: {reason}",
			"softfail":  "greylist",
			"neutral":   "greylist",
			"none":      "greylist",
			"temperror": "451 4.4.3 SPF record(s) temporarily unavailable: {reason}",
			"permerror": "550 5.5.2 SPF record(s) are malformed: {reason}",
		},
	}
}

// secondsKey reads an integer-seconds config key into a Duration,
// falling back to def (itself already a Duration) if the key is
// absent or unparsable.
func secondsKey(s *ini.Section, key string, def Duration) Duration {
	n := s.Key(key).MustInt(int(def.AsDuration() / time.Second))
	return Duration(int64(n) * int64(time.Second))
}

func splitList(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		if r == ' ' && cur == "" {
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
