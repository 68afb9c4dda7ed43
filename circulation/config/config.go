package config

import (
	"log"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kelseyhightower/envconfig"

	"github.com/Astemirdum/library-circulation/circulation/internal/policy"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
	"github.com/Astemirdum/library-circulation/pkg/logger"
	"github.com/Astemirdum/library-circulation/pkg/postgres"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type HTTPServer struct {
	Host         string        `yaml:"host" envconfig:"CIRCULATION_HTTP_HOST"`
	Port         string        `yaml:"port" envconfig:"CIRCULATION_HTTP_PORT" default:"8060"`
	ReadTimeout  time.Duration `yaml:"readTimeout" envconfig:"HTTP_READ" default:"10s"`
	WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"HTTP_WRITE" default:"10s"`
}

type Storage struct {
	Driver    string `yaml:"driver" envconfig:"STORAGE_DRIVER" default:"postgres"`
	BadgerDir string `yaml:"badgerDir" envconfig:"BADGER_DIR"`
}

type Sweeper struct {
	Enable  bool   `yaml:"enable" envconfig:"SWEEPER_ENABLE" default:"true"`
	At      string `yaml:"at" envconfig:"SWEEPER_AT" default:"03:00"`
	Workers int    `yaml:"workers" envconfig:"SWEEPER_WORKERS" default:"4"`
}

type Config struct {
	Server   HTTPServer    `yaml:"server"`
	Storage  Storage       `yaml:"storage"`
	Sweeper  Sweeper       `yaml:"sweeper"`
	Database postgres.DB   `yaml:"db"`
	Kafka    kafka.Config  `yaml:"kafka"`
	Policy   policy.Config `yaml:"policy"`
	Log      logger.Log    `yaml:"log"`
}

var (
	once sync.Once
	cfg  Config
)

// NewConfig reads config from environment once per process.
func NewConfig(ops ...Option) Config {
	once.Do(func() {
		c, err := Load(ops...)
		if err != nil {
			log.Fatal("NewConfig ", err)
		}
		cfg = c
		printConfig(cfg)
	})

	return cfg
}

// Load reads the environment, then applies ops on top.
func Load(ops ...Option) (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, err
	}
	for _, op := range ops {
		op(&config)
	}
	return config, nil
}

func printConfig(cfg Config) {
	cfg.Database.Password = "***"
	jscfg, _ := jsoniter.MarshalIndent(cfg, "", "	") //nolint:errcheck
	log.Println(string(jscfg))
}
