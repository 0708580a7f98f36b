package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"evidence-vault/internal/services/webhook"
)

// EnvPrefix 是环境变量覆盖项的前缀。
const EnvPrefix = "EVIDENCE_VAULT_"

// Config 是应用配置。未显式配置的路径都从 DataDir 推导。
type Config struct {
	DataDir      string `yaml:"data_dir"`
	DBPath       string `yaml:"db_path"`
	EvidenceRoot string `yaml:"evidence_root"`
	ManifestDir  string `yaml:"manifest_dir"`
	StatementDir string `yaml:"statement_dir"`
	ExportDir    string `yaml:"export_dir"`

	// PolicyPath 是声明措辞策略文件（可选），追加禁用词。
	PolicyPath   string `yaml:"policy_path"`
	StatementPDF bool   `yaml:"statement_pdf"`

	ExportConcurrency int `yaml:"export_concurrency"`

	Server  ServerConfig  `yaml:"server"`
	Webhook WebhookConfig `yaml:"webhook"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// JWTSecret 用于校验管理 API 的 bearer token（HS256），至少 32 字节。
	JWTSecret string `yaml:"jwt_secret"`
	// PortalRate / PortalBurst 是分享门户按来源地址的限流参数（每秒请求数）。
	PortalRate  float64 `yaml:"portal_rate"`
	PortalBurst int     `yaml:"portal_burst"`
	// MaxUploadBytes 是单次证据上传的上限。
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type WebhookConfig struct {
	Timeout   string `yaml:"timeout"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DataDir:           "data",
		StatementPDF:      true,
		ExportConcurrency: 4,
		Server: ServerConfig{
			Listen:         "127.0.0.1:8787",
			PortalRate:     1,
			PortalBurst:    5,
			MaxUploadBytes: 4 << 30,
		},
		Webhook: WebhookConfig{
			Timeout:   "10s",
			Workers:   4,
			QueueSize: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 在默认配置上依次叠加 YAML 文件（path 为空时跳过）与环境变量，并校验。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"DATA_DIR":        &c.DataDir,
		"DB_PATH":         &c.DBPath,
		"EVIDENCE_ROOT":   &c.EvidenceRoot,
		"MANIFEST_DIR":    &c.ManifestDir,
		"STATEMENT_DIR":   &c.StatementDir,
		"EXPORT_DIR":      &c.ExportDir,
		"POLICY_PATH":     &c.PolicyPath,
		"LISTEN":          &c.Server.Listen,
		"JWT_SECRET":      &c.Server.JWTSecret,
		"WEBHOOK_TIMEOUT": &c.Webhook.Timeout,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup(EnvPrefix + "STATEMENT_PDF"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sSTATEMENT_PDF: %w", EnvPrefix, err)
		}
		c.StatementPDF = b
	}
	if v, ok := lookup(EnvPrefix + "EXPORT_CONCURRENCY"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sEXPORT_CONCURRENCY: %w", EnvPrefix, err)
		}
		c.ExportConcurrency = n
	}
	return nil
}

func (c *Config) resolvePaths() {
	derive := func(dst *string, name string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = filepath.Join(c.DataDir, name)
		}
	}
	derive(&c.DBPath, "vault.db")
	derive(&c.EvidenceRoot, "evidence")
	derive(&c.ManifestDir, "manifests")
	derive(&c.StatementDir, "statements")
	derive(&c.ExportDir, "exports")
}

// Validate 校验配置取值。
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.ExportConcurrency < 1 {
		errs = append(errs, errors.New("export_concurrency must be at least 1"))
	}
	if s := c.Server.JWTSecret; s != "" && len(s) < 32 {
		errs = append(errs, errors.New("server.jwt_secret must be at least 32 bytes"))
	}
	if c.Server.PortalRate <= 0 || c.Server.PortalBurst < 1 {
		errs = append(errs, errors.New("server.portal_rate and server.portal_burst must be positive"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if d, err := time.ParseDuration(c.Webhook.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("webhook.timeout %q is not a positive duration", c.Webhook.Timeout))
	} else if d > webhook.DefaultTimeout {
		errs = append(errs, fmt.Errorf("webhook.timeout %s exceeds the %s limit", d, webhook.DefaultTimeout))
	}
	if c.Webhook.Workers < 1 || c.Webhook.QueueSize < 1 {
		errs = append(errs, errors.New("webhook.workers and webhook.queue_size must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", f))
	}
	return errors.Join(errs...)
}

// WebhookTimeout 返回解析后的投递超时；配置已通过 Validate。
func (c Config) WebhookTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Webhook.Timeout)
	return d
}
