// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string       `yaml:"env" env-default:"local"`
	StorageConnectionString string       `yaml:"storage_connection_string"`
	MigrationsPath          string       `yaml:"migrations_path" env-default:"./migrations"`
	Bots                    []BotPersona `yaml:"bots"`
	RedisConnection  `yaml:"redis_connection"`
	RabbitConnection `yaml:"rabbit_connection"`
	AdminServer      `yaml:"admin_server"`
}

// BotPersona настройки одного бота. Каждый бот крутит собственный
// цикл получения обновлений со своим offset.
type BotPersona struct {
	Name         string        `yaml:"name"`
	Token        string        `yaml:"token" env-required:"true"`
	PollTimeout  time.Duration `yaml:"poll_timeout" env-default:"60s"`
	FetchBackoff time.Duration `yaml:"fetch_backoff" env-default:"5s"`
}

// AdminServer структура для настройки административного HTTP-сервера
type AdminServer struct {
	Address     string        `yaml:"address" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"5s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
	EventChannel string        `yaml:"event_channel" env-default:"taskbot:events"`
}

// RabbitConnection структура для настройки подключения к rabbitmq
type RabbitConnection struct {
	URL        string        `yaml:"url"`
	Retries    int           `yaml:"retries" env-default:"3"`
	RetryDelay time.Duration `yaml:"retry_delay" env-default:"2s"`
}

// MustLoad функция для загрузки конфига, путь берётся из CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}
