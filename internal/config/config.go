package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/messenger-client/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// RedisConfig — Redis для общего хранилища сессии (необязателен: без него
// сессия хранится в памяти процесса).
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Config — конфигурация клиента. Значения: YAML < env.
type Config struct {
	// Backend endpoints
	APIBaseURL string `yaml:"api_base_url"`
	WSURL      string `yaml:"ws_url"`

	// REST
	HTTPTimeout int `yaml:"http_timeout"` // секунды

	// Transport reconnect
	ReconnectBaseDelayMS int `yaml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMS  int `yaml:"reconnect_max_delay_ms"`
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`

	// WebSocket
	WSWriteTimeout   int `yaml:"ws_write_timeout"` // секунды
	WSPongTimeout    int `yaml:"ws_pong_timeout"`  // секунды
	WSMaxMessageSize int `yaml:"ws_max_message_size"`
	WSSendBufferSize int `yaml:"ws_send_buffer_size"`

	// Typing indicator
	TypingStopDelayMS int `yaml:"typing_stop_delay_ms"` // авто-стоп после бездействия
	TypingExpiryMS    int `yaml:"typing_expiry_ms"`     // сброс входящего typing без stop-сигнала

	// Session
	TokenRefreshWindowMin int `yaml:"token_refresh_window_min"`

	// Логирование
	LogLevel string `yaml:"log_level"`

	// Redis (опционально)
	Redis RedisConfig `yaml:"-"`
}

func (c *Config) HTTPTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMS) * time.Millisecond
}

func (c *Config) TypingStopDelay() time.Duration {
	return time.Duration(c.TypingStopDelayMS) * time.Millisecond
}

func (c *Config) TypingExpiry() time.Duration {
	return time.Duration(c.TypingExpiryMS) * time.Millisecond
}

func (c *Config) TokenRefreshWindow() time.Duration {
	return time.Duration(c.TokenRefreshWindowMin) * time.Minute
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() *Config {
	loadEnv()
	// Значения по умолчанию
	cfg := &Config{
		APIBaseURL:            "http://localhost:8080/api/v1",
		WSURL:                 "ws://localhost:8080/ws",
		HTTPTimeout:           10,
		ReconnectBaseDelayMS:  1000,
		ReconnectMaxDelayMS:   30000,
		ReconnectMaxAttempts:  10,
		WSWriteTimeout:        10,
		WSPongTimeout:         60,
		WSMaxMessageSize:      65536,
		WSSendBufferSize:      256,
		TypingStopDelayMS:     4000,
		TypingExpiryMS:        10000,
		TokenRefreshWindowMin: 5,
		LogLevel:              "info",
	}

	// Загрузка конфигурации приложения: CONFIG_PATH → config/client.yaml
	appPaths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml"}
	for _, path := range appPaths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}

	// Переменные окружения имеют наивысший приоритет
	cfg.APIBaseURL = envStr("API_BASE_URL", cfg.APIBaseURL)
	cfg.WSURL = envStr("WS_URL", cfg.WSURL)
	cfg.HTTPTimeout = envInt("HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.ReconnectBaseDelayMS = envInt("RECONNECT_BASE_DELAY_MS", cfg.ReconnectBaseDelayMS)
	cfg.ReconnectMaxDelayMS = envInt("RECONNECT_MAX_DELAY_MS", cfg.ReconnectMaxDelayMS)
	cfg.ReconnectMaxAttempts = envInt("RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	cfg.TypingStopDelayMS = envInt("TYPING_STOP_DELAY_MS", cfg.TypingStopDelayMS)
	cfg.TypingExpiryMS = envInt("TYPING_EXPIRY_MS", cfg.TypingExpiryMS)
	cfg.TokenRefreshWindowMin = envInt("TOKEN_REFRESH_WINDOW_MIN", cfg.TokenRefreshWindowMin)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.Redis.URL = envStr("REDIS_URL", "")

	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Errorf("config: %s=%q не число, используется %d", key, v, def)
		return def
	}
	return n
}
