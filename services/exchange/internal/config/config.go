package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/maengseojun/HLH-hack-sub008/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaTopics struct {
	FillsExecuted      string
	CurveTrades        string
	TokensGraduated    string
	SettlementsUpdated string
	SettlementsSubmit  string
	ChainReceipts      string
	DeadLetter         string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RouterConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
	VenueTimeout time.Duration
	MakerFeeBps  int
	TakerFeeBps  int
	AmmFeeBps    int
}

type SettlementConfig struct {
	PollInterval     time.Duration
	ConfirmTimeout   time.Duration
	MaxSubmitRetries int
	BatchSize        int
}

type BreakerConfig struct {
	DrawdownThreshold float64
	Window            time.Duration
	Cooldown          time.Duration
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Router     RouterConfig
	Settlement SettlementConfig
	Breaker    BreakerConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("HLH_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("HLH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("HLH_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "exchange-service")
	v.SetDefault("kafka.topics.fills_executed", "fills.executed")
	v.SetDefault("kafka.topics.curve_trades", "curve.trades")
	v.SetDefault("kafka.topics.tokens_graduated", "tokens.graduated")
	v.SetDefault("kafka.topics.settlements_updated", "settlements.updated")
	v.SetDefault("kafka.topics.settlements_submit", "settlements.submit")
	v.SetDefault("kafka.topics.chain_receipts", "chain.receipts")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "hlh_exchange")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "hlh")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "hlh")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				FillsExecuted:      envString("KAFKA_FILLS_TOPIC", v.GetString("kafka.topics.fills_executed")),
				CurveTrades:        envString("KAFKA_CURVE_TRADES_TOPIC", v.GetString("kafka.topics.curve_trades")),
				TokensGraduated:    envString("KAFKA_GRADUATIONS_TOPIC", v.GetString("kafka.topics.tokens_graduated")),
				SettlementsUpdated: envString("KAFKA_SETTLEMENTS_TOPIC", v.GetString("kafka.topics.settlements_updated")),
				SettlementsSubmit:  envString("KAFKA_SUBMIT_TOPIC", v.GetString("kafka.topics.settlements_submit")),
				ChainReceipts:      envString("KAFKA_RECEIPTS_TOPIC", v.GetString("kafka.topics.chain_receipts")),
				DeadLetter:         envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Router: RouterConfig{
			MaxRetries:   envInt("ROUTER_MAX_RETRIES", 2),
			RetryBackoff: envDuration("ROUTER_RETRY_BACKOFF", 100*time.Millisecond),
			VenueTimeout: envDuration("ROUTER_VENUE_TIMEOUT", 3*time.Second),
			MakerFeeBps:  envInt("MAKER_FEE_BPS", 10),
			TakerFeeBps:  envInt("TAKER_FEE_BPS", 20),
			AmmFeeBps:    envInt("AMM_FEE_BPS", 30),
		},
		Settlement: SettlementConfig{
			PollInterval:     envDuration("SETTLEMENT_POLL_INTERVAL", 2*time.Second),
			ConfirmTimeout:   envDuration("SETTLEMENT_CONFIRM_TIMEOUT", 5*time.Minute),
			MaxSubmitRetries: envInt("SETTLEMENT_MAX_RETRIES", 3),
			BatchSize:        envInt("SETTLEMENT_BATCH_SIZE", 32),
		},
		Breaker: BreakerConfig{
			DrawdownThreshold: envFloat("BREAKER_DRAWDOWN_THRESHOLD", 0.25),
			Window:            envDuration("BREAKER_WINDOW", 24*time.Hour),
			Cooldown:          envDuration("BREAKER_COOLDOWN", 48*time.Hour),
		},
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Router.MaxRetries < 0 {
		return nil, fmt.Errorf("router max retries must be non-negative")
	}
	if cfg.Router.MakerFeeBps < 0 || cfg.Router.TakerFeeBps < 0 || cfg.Router.AmmFeeBps < 0 {
		return nil, fmt.Errorf("fee rates must be non-negative")
	}
	if cfg.Settlement.ConfirmTimeout <= 0 {
		return nil, fmt.Errorf("settlement confirm timeout must be positive")
	}
	if cfg.Breaker.DrawdownThreshold <= 0 || cfg.Breaker.DrawdownThreshold >= 1 {
		return nil, fmt.Errorf("breaker drawdown threshold must be in (0, 1)")
	}

	return cfg, nil
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

func envString(key, def string) string {
	if v := os.Getenv("HLH_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv("HLH_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv("HLH_" + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv("HLH_" + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, name := range []string{"HLH_" + key, key} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
