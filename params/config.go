package params

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Engine struct {
	FeeAccount common.Address
	// FeePercent is the protocol fee taken on every fill, as a whole
	// percentage of amountGet. Fixed for the lifetime of the engine.
	FeePercent uint64
}

type Storage struct {
	DataDir string // pebble database directory
	WalDir  string // event journal directory
}

type API struct {
	Addr    string
	LogFile string
}

type Config struct {
	Engine  Engine
	Storage Storage
	API     API
	// Seed populates demo tokens, users and orders on startup (devnet only).
	Seed bool
}

func Default() Config {
	return Config{
		Engine: Engine{
			FeeAccount: common.HexToAddress("0xfee0000000000000000000000000000000000fee"),
			FeePercent: 10,
		},
		Storage: Storage{
			DataDir: "data/exchange.db",
			WalDir:  "data/journal",
		},
		API: API{
			Addr:    ":8080",
			LogFile: "data/exchanged.log",
		},
		Seed: false,
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and environment
// variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if acc := os.Getenv("FEE_ACCOUNT"); acc != "" && common.IsHexAddress(acc) {
		cfg.Engine.FeeAccount = common.HexToAddress(acc)
	}

	if pct := os.Getenv("FEE_PERCENT"); pct != "" {
		if v, err := strconv.ParseUint(pct, 10, 64); err == nil {
			cfg.Engine.FeePercent = v
		}
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if dir := os.Getenv("WAL_DIR"); dir != "" {
		cfg.Storage.WalDir = dir
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if lf := os.Getenv("LOG_FILE"); lf != "" {
		cfg.API.LogFile = lf
	}

	if seed := os.Getenv("SEED"); seed != "" {
		cfg.Seed = seed == "true"
	}

	return cfg
}
