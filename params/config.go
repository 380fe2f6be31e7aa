package params

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Engine struct {
	DataDir          string `env:"DATA_DIR"`
	MaxCipherPayload int    `env:"MAX_CIPHER_PAYLOAD"`
	ReadOnly         bool   `env:"READ_ONLY"` // serve queries from an existing data dir
}

type Keeper struct {
	Enabled bool     `env:"ENABLED"`
	Books   []string `env:"BOOKS" envSeparator:","`
	KeyHex  string   `env:"KEY_HEX"` // secp256k1 key of the settlement authority
	// Interval between match cycles.
	//
	// Recommended values:
	//   - Devnet:  1s (fast feedback while testing)
	//   - Testnet: 5s
	//   - Production: 10s or more; every cycle re-reveals all open orders
	Interval   time.Duration `env:"INTERVAL"`
	MatchMode  string        `env:"MATCH_MODE"` // "single" or "continuous"
	MaxRetries int           `env:"MAX_RETRIES"`
	RetryDelay time.Duration `env:"RETRY_DELAY"`
	AuthTTL    time.Duration `env:"AUTH_TTL"` // lifetime of tokens issued at bootstrap
}

type API struct {
	ListenAddr  string   `env:"LISTEN_ADDR"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
}

type Events struct {
	JournalPath     string   `env:"JOURNAL_PATH"`
	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic      string   `env:"KAFKA_TOPIC"`
	GossipListen    string   `env:"GOSSIP_LISTEN"`
	GossipBootstrap []string `env:"GOSSIP_BOOTSTRAP" envSeparator:","`
	GossipTopic     string   `env:"GOSSIP_TOPIC"`
}

type Log struct {
	Level string `env:"LEVEL"`
	File  string `env:"FILE"` // empty: stdout only
}

// Book is the pair created when the node bootstraps a demo book.
type Book struct {
	Base             string `env:"BASE"`
	Quote            string `env:"QUOTE"`
	FeeBps           uint16 `env:"FEE_BPS"`
	MinBaseOrderSize uint64 `env:"MIN_BASE_ORDER_SIZE"`
	BaseDecimals     uint8  `env:"BASE_DECIMALS"`
}

type Node struct {
	BootstrapBook  bool   `env:"NODE_BOOTSTRAP_BOOK"`
	AdminKeyHex    string `env:"NODE_ADMIN_KEY_HEX"`
	BoundaryKeyHex string `env:"BOUNDARY_KEY_HEX"` // 32-byte HPKE seed; generated when empty
}

type Config struct {
	Node   Node
	Engine Engine `envPrefix:"ENGINE_"`
	Keeper Keeper `envPrefix:"KEEPER_"`
	API    API    `envPrefix:"API_"`
	Events Events `envPrefix:"EVENTS_"`
	Log    Log    `envPrefix:"LOG_"`
	Book   Book   `envPrefix:"BOOK_"`
}

func Default() Config {
	return Config{
		Engine: Engine{
			DataDir:          "data/shadowswap",
			MaxCipherPayload: 512,
		},
		Keeper: Keeper{
			Enabled:    true,
			Interval:   time.Second, // Devnet default
			MatchMode:  "single",
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
			AuthTTL:    24 * time.Hour,
		},
		API: API{
			ListenAddr:  ":8080",
			CORSOrigins: []string{"*"},
		},
		Events: Events{
			JournalPath: "data/shadowswap/events.wal",
			KafkaTopic:  "shadowswap.events",
			GossipTopic: "shadowswap/events/1",
		},
		Log: Log{Level: "info"},
		Book: Book{
			Base:             "WSOL",
			Quote:            "USDC",
			FeeBps:           30,
			MinBaseOrderSize: 1_000_000,
			BaseDecimals:     9,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Optional; a missing .env is not an error.
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	// Unset variables leave the defaults in place.
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Engine.DataDir == "" {
		errs = append(errs, errors.New("ENGINE_DATA_DIR is required"))
	}
	if c.Engine.MaxCipherPayload <= 0 || c.Engine.MaxCipherPayload > 64<<10 {
		errs = append(errs, fmt.Errorf("ENGINE_MAX_CIPHER_PAYLOAD out of range: %d", c.Engine.MaxCipherPayload))
	}
	if c.Keeper.MatchMode != "single" && c.Keeper.MatchMode != "continuous" {
		errs = append(errs, fmt.Errorf("KEEPER_MATCH_MODE must be single or continuous, got %q", c.Keeper.MatchMode))
	}
	if c.Keeper.Enabled && c.Keeper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("KEEPER_INTERVAL must be positive, got %s", c.Keeper.Interval))
	}
	if c.Keeper.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("KEEPER_MAX_RETRIES must not be negative"))
	}
	if c.Book.FeeBps > 10_000 {
		errs = append(errs, fmt.Errorf("BOOK_FEE_BPS must be <= 10000, got %d", c.Book.FeeBps))
	}
	if c.Book.BaseDecimals > 19 {
		errs = append(errs, fmt.Errorf("BOOK_BASE_DECIMALS must be <= 19, got %d", c.Book.BaseDecimals))
	}
	if c.Engine.ReadOnly && (c.Keeper.Enabled || c.Node.BootstrapBook) {
		errs = append(errs, errors.New("ENGINE_READ_ONLY requires KEEPER_ENABLED=false and NODE_BOOTSTRAP_BOOK=false"))
	}
	if c.API.ListenAddr == "" {
		errs = append(errs, errors.New("API_LISTEN_ADDR is required"))
	}
	return errors.Join(errs...)
}
