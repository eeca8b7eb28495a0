package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`
		HTTPPort string `mapstructure:"http_port"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // mysql | postgres | sqlite | "" (без БД)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Device struct {
		// Устройства обязаны представляться этим User-Agent (префикс-матч).
		UserAgent string `mapstructure:"user_agent"`
	} `mapstructure:"device"`

	Deploy struct {
		// Корень деплой-дерева: <root>/<owner>/<udid>/{build.json,firmware.bin}
		Root string `mapstructure:"root"`
	} `mapstructure:"deploy"`

	Builder struct {
		Command    string        `mapstructure:"command"` // путь к внешнему билдеру
		Workers    int           `mapstructure:"workers"`
		QueueDepth int           `mapstructure:"queue_depth"`
		Timeout    time.Duration `mapstructure:"timeout"`
		Grace      time.Duration `mapstructure:"grace"` // SIGTERM -> SIGKILL
		AutoBuild  bool          `mapstructure:"auto_build"`
	} `mapstructure:"builder"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "7442")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./otaforge.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("device.user_agent", "OTAForge-Client")
	v.SetDefault("deploy.root", "./deploy")
	v.SetDefault("builder.command", "./builder")
	v.SetDefault("builder.workers", 4)
	v.SetDefault("builder.queue_depth", 64)
	v.SetDefault("builder.timeout", 30*time.Minute)
	v.SetDefault("builder.grace", 10*time.Second)

	// OTAFORGE_DATABASE_DSN и т.п.
	v.SetEnvPrefix("OTAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
