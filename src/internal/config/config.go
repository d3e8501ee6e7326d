package config

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	BusStorage = "storage"
	BusChannel = "channel"
)

type Configuration struct {
	Logs      LogsSettings    `mapstructure:"logs"`
	App       Application     `mapstructure:"app"`
	Database  Database        `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     Redis           `mapstructure:"redis"`
	Server    ServerSettings  `mapstructure:"server"`
	Storage   StorageSettings `mapstructure:"storage"`
	Tabs      TabSettings     `mapstructure:"tabs"`
	ReportAPI ReportAPIConfig `mapstructure:"report-api"`
}

type LogsSettings struct {
	Level            string `mapstructure:"level"`
	Path             string `mapstructure:"log-path"`
	EnableJSONOutput bool   `mapstructure:"enable-json-output"`
}

type Application struct {
	Name    string `mapstructure:"name"`
	Timeout int    `mapstructure:"timeout"`
	Version string `mapstructure:"version"`
}

type Database struct {
	Enabled           bool   `mapstructure:"enabled"`
	Url               string `mapstructure:"url"`
	DbName            string `mapstructure:"dbname"`
	SessionCollection string `mapstructure:"session-collection"`
	Timeout           int    `mapstructure:"timeout"`
}

type QueueConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Url            string `mapstructure:"url"`
	Exchange       string `mapstructure:"exchange"`
	ExchangeType   string `mapstructure:"exchange-type"`
	RoutingKey     string `mapstructure:"routing-key"`
	ReconnectDelay int    `mapstructure:"reconnect-delay"`
	Durable        bool   `mapstructure:"durable"`
	AutoDelete     bool   `mapstructure:"auto-delete"`
	Internal       bool   `mapstructure:"internal"`
	NoWait         bool   `mapstructure:"no-wait"`
}

type Redis struct {
	Url      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	Db       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ServerSettings struct {
	Port         string `mapstructure:"port"`
	Mode         string `mapstructure:"mode"`
	ReadTimeout  int    `mapstructure:"read-timeout"`
	WriteTimeout int    `mapstructure:"write-timeout"`
	IdleTimeout  int    `mapstructure:"idle-timeout"`
}

// StorageSettings selects the shared area and bus every tab connects to.
type StorageSettings struct {
	Backend               string `mapstructure:"backend"`
	Bus                   string `mapstructure:"bus"`
	EventRetentionMinutes int    `mapstructure:"event-retention-minutes"`
	BusBufferSize         int    `mapstructure:"bus-buffer-size"`
}

type TabSettings struct {
	IdleTimeoutMinutes int `mapstructure:"idle-timeout-minutes"`
	EventBufferSize    int `mapstructure:"event-buffer-size"`
}

type ReportAPIConfig struct {
	Url     string `mapstructure:"url"`
	Timeout int    `mapstructure:"timeout"`
}

func Load() *Configuration {
	cfg := read("src/internal/config/cfg.yml")
	logrus.Info("Configuration loaded")

	applyEnv(cfg)
	return cfg
}

// applyEnv overrides file settings with environment variables.
func applyEnv(cfg *Configuration) {
	mongoUri := os.Getenv("MONGODB_URL")
	if mongoUri != "" {
		cfg.Database.Url = mongoUri
		cfg.Database.Enabled = true
	}

	dbName := os.Getenv("DB_NAME")
	if dbName != "" {
		cfg.Database.DbName = dbName
	}

	redisUrl := os.Getenv("REDIS_URL")
	if redisUrl != "" {
		cfg.Redis.Url = redisUrl
	}

	redisDB := os.Getenv("REDIS_DB")
	if redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			cfg.Redis.Db = db
		}
	}

	rabbitmqUrl := os.Getenv("RABBITMQ_URL")
	if rabbitmqUrl != "" {
		cfg.Queue.RabbitMQ.Url = rabbitmqUrl
		cfg.Queue.RabbitMQ.Enabled = true
	}

	reportApiUrl := os.Getenv("REPORT_API_URL")
	if reportApiUrl != "" {
		cfg.ReportAPI.Url = reportApiUrl
	}

	backend := os.Getenv("STORAGE_BACKEND")
	if backend != "" {
		cfg.Storage.Backend = backend
	}

	port := os.Getenv("PORT")
	if port != "" {
		cfg.Server.Port = port
	}
}

func read(path string) *Configuration {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetConfigType("yml")
	setDefaults(v)

	var config Configuration

	err := v.ReadInConfig()
	if err != nil {
		logrus.Panicf("Error reading config file, %s", err)
	}

	err = v.Unmarshal(&config)
	if err != nil {
		logrus.Panicf("Error unmarshalling config file, %s", err)
	}

	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "civic-session-svc")
	v.SetDefault("app.timeout", 10)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.bus", BusStorage)
	v.SetDefault("storage.event-retention-minutes", 10)
	v.SetDefault("storage.bus-buffer-size", 100)
	v.SetDefault("tabs.idle-timeout-minutes", 30)
	v.SetDefault("tabs.event-buffer-size", 16)
	v.SetDefault("redis.prefix", "civic")
	v.SetDefault("report-api.timeout", 15)
	v.SetDefault("database.session-collection", "tab_sessions")
	v.SetDefault("database.timeout", 10)
}
