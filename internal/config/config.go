// Package config declares and loads the guardian daemon's recognized
// configuration options (§6), env-var driven via envconfig and
// validated once at startup.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lsd-guardian/guardian/internal/types"
)

// Config mirrors every recognized option in spec.md §6.
type Config struct {
	RPCURL           string `envconfig:"RPC_URL" required:"true"`
	WalletPrivateKey string `envconfig:"WALLET_PRIVATE_KEY" required:"true"`
	ChainID          uint64 `envconfig:"CHAIN_ID" required:"true"`

	PubsubService string `envconfig:"PUBSUB_SERVICE" default:"rabbitmq"` // rabbitmq | kafka

	RabbitMQURL      string `envconfig:"RABBITMQ_URL"`
	RabbitMQLogin    string `envconfig:"RABBITMQ_LOGIN"`
	RabbitMQPasscode string `envconfig:"RABBITMQ_PASSCODE"`

	KafkaBrokerAddress1 string `envconfig:"KAFKA_BROKER_ADDRESS_1"`
	KafkaBrokerAddress2 string `envconfig:"KAFKA_BROKER_ADDRESS_2"`
	KafkaClientID       string `envconfig:"KAFKA_CLIENT_ID" default:"guardian"`
	BrokerTopic         string `envconfig:"BROKER_TOPIC" default:"guardian-messages"`
	KafkaSSL            bool   `envconfig:"KAFKA_SSL" default:"false"`
	KafkaSASLMechanism  string `envconfig:"KAFKA_SASL_MECHANISM"`
	KafkaUsername       string `envconfig:"KAFKA_USERNAME"`
	KafkaPassword       string `envconfig:"KAFKA_PASSWORD"`

	KeysAPIHost string `envconfig:"KEYS_API_HOST" required:"true"`
	KeysAPIPort int    `envconfig:"KEYS_API_PORT" default:"3001"`

	RegistryKeysQueryBatchSize   int `envconfig:"REGISTRY_KEYS_QUERY_BATCH_SIZE" default:"500"`
	RegistryKeysQueryConcurrency int `envconfig:"REGISTRY_KEYS_QUERY_CONCURRENCY" default:"4"`

	Port int `envconfig:"PORT" default:"3000"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"terminal"` // terminal | json
	// LogFile, when set, rotates the daemon's log output through
	// lumberjack instead of writing to stdout.
	LogFile         string `envconfig:"LOG_FILE"`
	LogMaxSizeMB    int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	LogMaxBackups   int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	LogMaxAgeDays   int    `envconfig:"LOG_MAX_AGE_DAYS" default:"28"`

	DepositContractAddress string `envconfig:"DEPOSIT_CONTRACT_ADDRESS" required:"true"`
	DSMAddress             string `envconfig:"DSM_ADDRESS" required:"true"`
	StakingRouterAddress   string `envconfig:"STAKING_ROUTER_ADDRESS" required:"true"`

	CacheDir           string `envconfig:"CACHE_DIR" default:"./cache"`
	CacheStartBlock    uint64 `envconfig:"CACHE_START_BLOCK" default:"0"`
	FetchWindow        uint64 `envconfig:"FETCH_WINDOW" default:"10000"`
	ConfirmationDepth  uint64 `envconfig:"CONFIRMATION_DEPTH" default:"1"`
	FinalizationDepth  uint64 `envconfig:"FINALIZATION_DEPTH" default:"200"`
	MaxSnapshotLag     uint64 `envconfig:"MAX_SNAPSHOT_LAG" default:"50"`

	RPCCallTimeout   time.Duration `envconfig:"RPC_CALL_TIMEOUT" default:"30s"`
	KeysAPITimeout   time.Duration `envconfig:"KEYS_API_TIMEOUT" default:"60s"`
	BusPublishTimeout time.Duration `envconfig:"BUS_PUBLISH_TIMEOUT" default:"10s"`
}

// Load reads configuration from the process environment and validates
// it; any problem is returned as a types.KindConfigInvalid error so
// callers never need to special-case config parsing.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, types.ConfigInvalid("config.Load", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.PubsubService {
	case "rabbitmq":
		if c.RabbitMQURL == "" {
			return types.ConfigInvalid("config.validate", fmt.Errorf("RABBITMQ_URL required when PUBSUB_SERVICE=rabbitmq"))
		}
	case "kafka":
		if c.KafkaBrokerAddress1 == "" {
			return types.ConfigInvalid("config.validate", fmt.Errorf("KAFKA_BROKER_ADDRESS_1 required when PUBSUB_SERVICE=kafka"))
		}
	default:
		return types.ConfigInvalid("config.validate", fmt.Errorf("PUBSUB_SERVICE must be rabbitmq or kafka, got %q", c.PubsubService))
	}
	if c.MaxSnapshotLag == 0 {
		return types.ConfigInvalid("config.validate", fmt.Errorf("MAX_SNAPSHOT_LAG must be > 0"))
	}
	return nil
}

// KeysAPIBaseURL assembles the Keys API's base URL from host/port.
func (c Config) KeysAPIBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.KeysAPIHost, c.KeysAPIPort)
}
