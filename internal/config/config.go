package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	CronSecret    string `env:"CRON_SECRET,notEmpty"`

	EmailAPIURL string `env:"EMAIL_API_URL" envDefault:"https://api.resend.com/emails"`
	EmailAPIKey string `env:"EMAIL_API_KEY"`
	EmailFrom   string `env:"EMAIL_FROM" envDefault:"no-reply@example.com"`

	BatchSize      int `env:"BATCH_SIZE" envDefault:"25"`
	MaxAttempts    int `env:"MAX_ATTEMPTS" envDefault:"10"`
	Concurrency    int `env:"CONCURRENCY" envDefault:"4"`
	WorkerDeadline int `env:"WORKER_DEADLINE_SEC" envDefault:"60"`
	StaleAfterMin  int `env:"STALE_AFTER_MIN" envDefault:"10"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) Deadline() time.Duration   { return time.Duration(c.WorkerDeadline) * time.Second }
func (c Config) StaleAfter() time.Duration { return time.Duration(c.StaleAfterMin) * time.Minute }
