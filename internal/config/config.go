package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI string `env:"BREVWATCH_DB_URI" envDefault:"./brevwatch.sqlite"`

	LogLevel  string `env:"BREVWATCH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BREVWATCH_LOG_FORMAT" envDefault:"text"` // text or json

	Hostname string `env:"BREVWATCH_HOSTNAME"` // used for message ids of tracked emails, defaults to os.Hostname

	HTTPInterface string `env:"BREVWATCH_HTTP_INTERFACE"`
	HTTPPort      int    `env:"BREVWATCH_HTTP_PORT" envDefault:"0"` // serves /metrics and /ping, 0 disables it

	Workers int `env:"BREVWATCH_WORKERS" envDefault:"4"` // backfill concurrency

	Retries      int           `env:"BREVWATCH_RETRIES" envDefault:"5"` // store failures retried per line before giving up
	RetryBackoff time.Duration `env:"BREVWATCH_RETRY_BACKOFF" envDefault:"1s"`
	RetryMax     time.Duration `env:"BREVWATCH_RETRY_MAX" envDefault:"30s"`

	MetricsPushURL string `env:"BREVWATCH_METRICS_PUSH_URL"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		var err error
		cfg, err = Load()
		if err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}

func Load() (Config, error) {
	c := Config{}
	err := env.Parse(&c)
	return c, err
}
