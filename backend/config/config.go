package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ServerConfig sheet_server 的配置（sheetServer.yaml）
type ServerConfig struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // gin mode: debug / release / test
	} `mapstructure:"running"`
	Mysql struct {
		DSN         string `mapstructure:"dsn"`
		AutoMigrate bool   `mapstructure:"automigrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 一个地址走单机，多个地址走 cluster
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queuesize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxretry"`
		BaseBackoff time.Duration `mapstructure:"basebackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxbackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Presence struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"presence"`
	Cors struct {
		AllowOrigins []string `mapstructure:"alloworigins"`
	} `mapstructure:"cors"`
}

// AgentConfig sheet_agent 的配置（sheetAgent.yaml）
type AgentConfig struct {
	Server struct {
		// http(s)://host:port，ws 地址由它推出来
		BaseURL string `mapstructure:"baseurl"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"server"`
	Persist struct {
		Timeout  time.Duration `mapstructure:"timeout"`
		RetryMax int           `mapstructure:"retrymax"`
	} `mapstructure:"persist"`
	Channel struct {
		PingInterval   time.Duration `mapstructure:"pinginterval"`
		InitialBackoff time.Duration `mapstructure:"initialbackoff"`
		MaxBackoff     time.Duration `mapstructure:"maxbackoff"`
		MaxReconnects  int           `mapstructure:"maxreconnects"`
	} `mapstructure:"channel"`
	Editor struct {
		AdvanceIntoEdit bool `mapstructure:"advanceintoedit"`
	} `mapstructure:"editor"`
}

const envPrefix = "SHEETCOLLAB"

func newViper(name string, file string) *viper.Viper {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	// SHEETCOLLAB_MYSQL_DSN 覆盖 mysql.dsn
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// read 找不到默认配置文件时只用默认值；显式指定的文件必须存在
func read(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "read config")
	}
	return nil
}

func LoadServer(file string) (*ServerConfig, error) {
	v := newViper("sheetServer", file)
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.mode", "release")
	v.SetDefault("mysql.dsn", "root:root@tcp(127.0.0.1:3306)/sheetcollab?charset=utf8mb4&parseTime=True&loc=Local")
	v.SetDefault("mysql.automigrate", true)
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "sheet-cells")
	v.SetDefault("kafka.queuesize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxretry", 3)
	v.SetDefault("kafka.basebackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxbackoff", time.Second)
	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("presence.ttl", 90*time.Second)
	v.SetDefault("cors.alloworigins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})

	if err := read(v, file != ""); err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode server config")
	}
	return cfg, nil
}

func LoadAgent(file string) (*AgentConfig, error) {
	v := newViper("sheetAgent", file)
	v.SetDefault("server.baseurl", "http://127.0.0.1:8080")
	v.SetDefault("server.token", "")
	v.SetDefault("persist.timeout", 10*time.Second)
	v.SetDefault("persist.retrymax", 0)
	v.SetDefault("channel.pinginterval", 30*time.Second)
	v.SetDefault("channel.initialbackoff", 500*time.Millisecond)
	v.SetDefault("channel.maxbackoff", 30*time.Second)
	v.SetDefault("channel.maxreconnects", 10)
	v.SetDefault("editor.advanceintoedit", true)

	if err := read(v, file != ""); err != nil {
		return nil, err
	}
	cfg := &AgentConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode agent config")
	}
	return cfg, nil
}

// WebSocketBase http://host -> ws://host，https -> wss
func (c *AgentConfig) WebSocketBase() string {
	base := strings.TrimRight(c.Server.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
