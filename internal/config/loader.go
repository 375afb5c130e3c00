package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
    Controller    ControllerConfig    `mapstructure:"controller"`
    Connection    ConnectionConfig    `mapstructure:"connection"`
    Tasks         TasksConfig         `mapstructure:"tasks"`
    Notifications NotificationsConfig `mapstructure:"notifications"`
    Leader        LeaderConfig        `mapstructure:"leader"`
    Downloads     DownloadsConfig     `mapstructure:"downloads"`
    Logger        LoggerConfig        `mapstructure:"logger"`
    Tracing       TracingConfig       `mapstructure:"tracing"`
    Mock          MockConfig          `mapstructure:"mock"`
}

type ControllerConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIPrefix  string        `mapstructure:"api_prefix"`
	SocketPath string        `mapstructure:"socket_path"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// APIURL joins the base URL, API prefix and path.
func (c *ControllerConfig) APIURL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + c.APIPrefix + path
}

// SocketURL maps the base URL scheme to ws/wss.
func (c *ControllerConfig) SocketURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.SocketPath
}

type ConnectionConfig struct {
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type TasksConfig struct {
	PageSize int `mapstructure:"page_size"`
}

type NotificationsConfig struct {
	NavigationPollInterval time.Duration `mapstructure:"navigation_poll_interval"`
}

type LeaderConfig struct {
	LockDir       string        `mapstructure:"lock_dir"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type DownloadsConfig struct {
	Dir           string   `mapstructure:"dir"`
	AutoFormats   []string `mapstructure:"auto_formats"`
	ImageTaskType string   `mapstructure:"image_task_type"`
	Trigger       string   `mapstructure:"trigger"`
}

const (
	TriggerNotification = "notification"
	TriggerTask         = "task"
)

type LoggerConfig struct {
    Level            string   `mapstructure:"level"`
    Encoding         string   `mapstructure:"encoding"`
    OutputPaths      []string `mapstructure:"output_paths"`
    ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

type MockConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	StepDelay     time.Duration `mapstructure:"step_delay"`
	ArtifactBytes int           `mapstructure:"artifact_bytes"`
}

func (m *MockConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Defaults returns the configuration used when no file overrides a key.
func Defaults() Config {
	return Config{
		Controller: ControllerConfig{
			BaseURL:    "http://localhost:8000",
			APIPrefix:  "/api",
			SocketPath: "/api/task_status",
			Timeout:    30 * time.Second,
			CacheTTL:   time.Minute,
		},
		Connection:    ConnectionConfig{RetryDelay: time.Second},
		Tasks:         TasksConfig{PageSize: 20},
		Notifications: NotificationsConfig{NavigationPollInterval: 100 * time.Millisecond},
		Leader:        LeaderConfig{RetryInterval: 500 * time.Millisecond},
		Downloads: DownloadsConfig{
			Dir:           ".",
			AutoFormats:   []string{"sd-card-image"},
			ImageTaskType: "build_device_image_task",
			Trigger:       TriggerNotification,
		},
		Logger: LoggerConfig{
			Level:            "info",
			Encoding:         "console",
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRate:  1.0,
			ServiceName: "fleetwatch",
		},
		Mock: MockConfig{
			Host:          "127.0.0.1",
			Port:          8000,
			StepDelay:     500 * time.Millisecond,
			ArtifactBytes: 4096,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("controller.base_url", d.Controller.BaseURL)
	v.SetDefault("controller.api_prefix", d.Controller.APIPrefix)
	v.SetDefault("controller.socket_path", d.Controller.SocketPath)
	v.SetDefault("controller.token", d.Controller.Token)
	v.SetDefault("controller.timeout", d.Controller.Timeout)
	v.SetDefault("controller.cache_ttl", d.Controller.CacheTTL)
	v.SetDefault("connection.retry_delay", d.Connection.RetryDelay)
	v.SetDefault("tasks.page_size", d.Tasks.PageSize)
	v.SetDefault("notifications.navigation_poll_interval", d.Notifications.NavigationPollInterval)
	v.SetDefault("leader.lock_dir", d.Leader.LockDir)
	v.SetDefault("leader.retry_interval", d.Leader.RetryInterval)
	v.SetDefault("downloads.dir", d.Downloads.Dir)
	v.SetDefault("downloads.auto_formats", d.Downloads.AutoFormats)
	v.SetDefault("downloads.image_task_type", d.Downloads.ImageTaskType)
	v.SetDefault("downloads.trigger", d.Downloads.Trigger)
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.encoding", d.Logger.Encoding)
	v.SetDefault("logger.output_paths", d.Logger.OutputPaths)
	v.SetDefault("logger.error_output_paths", d.Logger.ErrorOutputPaths)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("mock.host", d.Mock.Host)
	v.SetDefault("mock.port", d.Mock.Port)
	v.SetDefault("mock.step_delay", d.Mock.StepDelay)
	v.SetDefault("mock.artifact_bytes", d.Mock.ArtifactBytes)
}

// Load reads the config file at path. An empty path searches
// ./fleetwatch.yaml and $HOME/.config/fleetwatch/fleetwatch.yaml and falls back
// to defaults plus environment when neither exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLEETWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fleetwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fleetwatch")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); path != "" || !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Controller.BaseURL == "" {
		return fmt.Errorf("controller.base_url is required")
	}
	if c.Connection.RetryDelay <= 0 {
		return fmt.Errorf("connection.retry_delay must be positive")
	}
	if c.Notifications.NavigationPollInterval <= 0 {
		return fmt.Errorf("notifications.navigation_poll_interval must be positive")
	}
	if c.Tasks.PageSize <= 0 {
		return fmt.Errorf("tasks.page_size must be positive")
	}
	switch c.Downloads.Trigger {
	case TriggerNotification, TriggerTask:
	default:
		return fmt.Errorf("downloads.trigger must be %q or %q", TriggerNotification, TriggerTask)
	}
	return nil
}
