package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine configuration: the HTTP/1.1 client's global and
// per-server options plus the HTTP/3 driver options.
type Config struct {
	Client ClientConfig  `mapstructure:"client"`
	Server ServerProfile `mapstructure:"server"`
	H3     H3Config      `mapstructure:"h3"`
}

// ClientConfig holds the HTTP/1.1 client's global options.
type ClientConfig struct {
	// TaskThreads is the number of task queues, clamped to [1, 64].
	TaskThreads int `mapstructure:"task_threads"`
}

// ServerProfile holds the HTTP/1.1 client's per-server options.
type ServerProfile struct {
	Keepalive            time.Duration `mapstructure:"keepalive"`
	CAFile               string        `mapstructure:"cafile"`
	CAPath               string        `mapstructure:"capath"`
	InvalidCertificates  string        `mapstructure:"invalid_certificates"`
	ValidateCertificates bool          `mapstructure:"validate_certificates"`
	ValidationExceptions []string      `mapstructure:"validation_exceptions"`
	ValidationDepth      int           `mapstructure:"validation_depth"`

	Logging         bool   `mapstructure:"logging"`
	LogFile         string `mapstructure:"logfile"`
	LogRollFmt      string `mapstructure:"logrollfmt"`
	LogMaxBackup    int    `mapstructure:"logmaxbackup"`
	LogRoll         bool   `mapstructure:"logroll"`
	LogRollHour     int    `mapstructure:"logrollhour"`
	LogRollOnSignal bool   `mapstructure:"logrollonsignal"`
}

// H3Config holds the HTTP/3 driver options.
type H3Config struct {
	// RecvBufSize sets the listener's UDP SO_RCVBUF.
	RecvBufSize int `mapstructure:"recvbufsize"`
	// IdleTimeout bounds the driver's poll wait when no connection has
	// pending work.
	IdleTimeout time.Duration `mapstructure:"idletimeout"`
	// DrainTimeout bounds the poll wait while writes or resumes are
	// pending.
	DrainTimeout time.Duration `mapstructure:"draintimeout"`
	// MaxUpload is the largest request body held in memory; bigger or
	// unknown-size bodies spool to a temp file.
	MaxUpload int64 `mapstructure:"maxupload"`
	// UploadPath is the directory for spooled request bodies.
	UploadPath string `mapstructure:"uploadpath"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			TaskThreads: 1,
		},
		Server: ServerProfile{
			Keepalive:            0, // disabled
			ValidateCertificates: true,
			ValidationDepth:      9,
			LogMaxBackup:         100,
			LogRollHour:          0,
		},
		H3: H3Config{
			RecvBufSize:  8 * 1024 * 1024,
			IdleTimeout:  3 * time.Second,
			DrainTimeout: 10 * time.Millisecond,
			MaxUpload:    1 << 20,
			UploadPath:   os.TempDir(),
		},
	}
}

// LoadConfig loads configuration from file, env, or defaults.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("httpengine")
	viper.SetConfigType("yaml")

	if homeDir, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".config", "httpengine"))
	}
	viper.AddConfigPath("/etc/httpengine")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("NAVI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file: defaults plus env vars apply.
			return config, config.Validate()
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, config.Validate()
}

// Validate clamps and checks option ranges.
func (c *Config) Validate() error {
	if c.Client.TaskThreads < 1 {
		c.Client.TaskThreads = 1
	}
	if c.Client.TaskThreads > 64 {
		c.Client.TaskThreads = 64
	}
	if c.Server.ValidationDepth < 0 {
		return fmt.Errorf("validation_depth must be >= 0, got %d", c.Server.ValidationDepth)
	}
	if c.Server.LogRollHour < 0 || c.Server.LogRollHour > 23 {
		return fmt.Errorf("logrollhour must be in [0,23], got %d", c.Server.LogRollHour)
	}
	if c.H3.IdleTimeout <= 0 {
		c.H3.IdleTimeout = 3 * time.Second
	}
	if c.H3.DrainTimeout <= 0 {
		c.H3.DrainTimeout = 10 * time.Millisecond
	}
	return nil
}

// SaveConfig writes the configuration to ~/.config/httpengine.
func SaveConfig(config *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "httpengine")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "httpengine.yaml")

	viper.Set("client.task_threads", config.Client.TaskThreads)
	viper.Set("server.keepalive", config.Server.Keepalive)
	viper.Set("server.cafile", config.Server.CAFile)
	viper.Set("server.capath", config.Server.CAPath)
	viper.Set("server.invalid_certificates", config.Server.InvalidCertificates)
	viper.Set("server.validate_certificates", config.Server.ValidateCertificates)
	viper.Set("server.validation_exceptions", config.Server.ValidationExceptions)
	viper.Set("server.validation_depth", config.Server.ValidationDepth)
	viper.Set("server.logging", config.Server.Logging)
	viper.Set("server.logfile", config.Server.LogFile)
	viper.Set("server.logrollfmt", config.Server.LogRollFmt)
	viper.Set("server.logmaxbackup", config.Server.LogMaxBackup)
	viper.Set("server.logroll", config.Server.LogRoll)
	viper.Set("server.logrollhour", config.Server.LogRollHour)
	viper.Set("server.logrollonsignal", config.Server.LogRollOnSignal)
	viper.Set("h3.recvbufsize", config.H3.RecvBufSize)
	viper.Set("h3.idletimeout", config.H3.IdleTimeout)
	viper.Set("h3.draintimeout", config.H3.DrainTimeout)
	viper.Set("h3.maxupload", config.H3.MaxUpload)
	viper.Set("h3.uploadpath", config.H3.UploadPath)

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("cannot write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the path of the active config file.
func GetConfigPath() string {
	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "~/.config/httpengine/httpengine.yaml"
	}

	return filepath.Join(homeDir, ".config", "httpengine", "httpengine.yaml")
}

// ValidationException is one parsed `{ip <addr|cidr>} {accept <labels>}`
// certificate-validation exception rule.
type ValidationException struct {
	Net    *net.IPNet // nil means the rule applies to every peer address
	Labels []string   // "*" or specific accept labels
}

// acceptLabels are the recognized accept values.
var acceptLabels = map[string]bool{
	"*":                       true,
	"certificate-expired":     true,
	"certificate-untrusted":   true,
	"chain-too-long":          true,
	"self-signed-certificate": true,
}

// ExceptionSet is the parsed per-server exception rules. TrustAllIPs
// starts true and clears the first time any ip rule is given.
type ExceptionSet struct {
	Rules       []ValidationException
	TrustAllIPs bool
}

// ParseValidationExceptions parses the repeatable validation_exceptions
// entries. Each entry is "ip <addr|cidr> accept <label>[,<label>...]"
// or just "accept <labels>" to apply to all addresses.
func ParseValidationExceptions(entries []string) (*ExceptionSet, error) {
	set := &ExceptionSet{TrustAllIPs: true}
	for _, entry := range entries {
		fields := strings.Fields(entry)
		rule := ValidationException{}
		i := 0
		for i < len(fields) {
			switch fields[i] {
			case "ip":
				if i+1 >= len(fields) {
					return nil, fmt.Errorf("validation exception %q: ip needs a value", entry)
				}
				ipnet, err := parseAddrOrCIDR(fields[i+1])
				if err != nil {
					return nil, fmt.Errorf("validation exception %q: %w", entry, err)
				}
				rule.Net = ipnet
				set.TrustAllIPs = false
				i += 2
			case "accept":
				if i+1 >= len(fields) {
					return nil, fmt.Errorf("validation exception %q: accept needs a value", entry)
				}
				for _, label := range strings.Split(fields[i+1], ",") {
					label = strings.TrimSpace(label)
					if !acceptLabels[label] {
						return nil, fmt.Errorf("validation exception %q: unknown accept label %q", entry, label)
					}
					rule.Labels = append(rule.Labels, label)
				}
				i += 2
			default:
				return nil, fmt.Errorf("validation exception %q: unknown field %q", entry, fields[i])
			}
		}
		if len(rule.Labels) == 0 {
			return nil, fmt.Errorf("validation exception %q: no accept labels", entry)
		}
		set.Rules = append(set.Rules, rule)
	}
	return set, nil
}

func parseAddrOrCIDR(s string) (*net.IPNet, error) {
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Accepts reports whether the rule set tolerates the given validation
// failure label for a peer at addr.
func (s *ExceptionSet) Accepts(addr net.IP, label string) bool {
	if s == nil {
		return false
	}
	for _, rule := range s.Rules {
		if rule.Net != nil && (addr == nil || !rule.Net.Contains(addr)) {
			continue
		}
		for _, l := range rule.Labels {
			if l == "*" || l == label {
				return true
			}
		}
	}
	return false
}
