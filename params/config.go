package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Quote amounts are quote micros, token quantities are token micros
// (1_000_000 micros = 1 unit of either). Prices are micro-quote per whole
// token unit.

type Buy struct {
	// OrderTimeout bounds the Created phase; an unpaid order past it is
	// expirable by the sweep.
	OrderTimeout time.Duration
	// EvidenceWindow is how long a maker has to answer a dispute before
	// it escalates to arbitration.
	EvidenceWindow     time.Duration
	ArbitrationTimeout time.Duration

	MinOrderMicros int64
	MaxOrderMicros int64

	// First-purchase orders have a fixed quote amount and a per-maker cap.
	FirstPurchaseMicros      int64
	MaxFirstPurchasePerMaker uint32

	MaxOrdersPerBuyer int
	MaxOrdersPerMaker int
}

type Sell struct {
	// VerificationDeadline is in blocks; sell settlement runs on chain height.
	VerificationDeadline uint64

	MinQty          int64
	MinAmountMicros int64

	FeeRateBps   uint32
	MinFeeMicros int64

	// RewardMicros is paid from the treasury to whoever finalizes a
	// verified oracle result.
	RewardMicros int64

	DisputeBondBps uint32
	MinBondMicros  int64
}

type Deposit struct {
	MinMicros        int64
	RateBps          uint32
	CancelPenaltyBps uint32
	// TrustedCompletedCount waives the deposit for buyers at or past
	// this many completed orders.
	TrustedCompletedCount uint32
}

type Maker struct {
	MinBondMicros   int64
	SlashPenaltyBps uint32
}

type Sweep struct {
	// ExpiryEveryBlocks gates how often the expiry pass runs.
	ExpiryEveryBlocks uint64
	MaxScan           int
	MaxExpire         int
	MaxArchive        int
	MaxRefCleanup     int
	// RefTTLBlocks is how long a claimed payment reference stays in the
	// replay table before cleanup may drop it.
	RefTTLBlocks uint64
}

type Kyc struct {
	// ExemptFirstPurchase lets first-purchase orders through without an
	// identity check even when the gate is on.
	ExemptFirstPurchase bool
}

type Oracle struct {
	Endpoints    []string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

type Node struct {
	DataDir   string
	APIAddr   string
	BlockTime time.Duration
}

type Config struct {
	Buy     Buy
	Sell    Sell
	Deposit Deposit
	Maker   Maker
	Sweep   Sweep
	Kyc     Kyc
	Oracle  Oracle
	Node    Node
}

func Default() Config {
	return Config{
		Buy: Buy{
			OrderTimeout:             30 * time.Minute,
			EvidenceWindow:           24 * time.Hour,
			ArbitrationTimeout:       72 * time.Hour,
			MinOrderMicros:           1_000_000,        // 1 quote unit
			MaxOrderMicros:           10_000_000_000,   // 10k quote units
			FirstPurchaseMicros:      10_000_000,       // 10 quote units
			MaxFirstPurchasePerMaker: 20,
			MaxOrdersPerBuyer:        100,
			MaxOrdersPerMaker:        200,
		},
		Sell: Sell{
			VerificationDeadline: 300, // blocks
			MinQty:               10_000_000, // 10 tokens
			MinAmountMicros:      1_000_000,
			FeeRateBps:           50, // 0.5%
			MinFeeMicros:         100_000,
			RewardMicros:         50_000,
			DisputeBondBps:       100, // 1% of escrow
			MinBondMicros:        1_000_000,
		},
		Deposit: Deposit{
			MinMicros:             2_000_000,
			RateBps:               500, // 5% of order value
			CancelPenaltyBps:      2000,
			TrustedCompletedCount: 10,
		},
		Maker: Maker{
			MinBondMicros:   100_000_000,
			SlashPenaltyBps: 1000, // 10% of the shortfall order value
		},
		Sweep: Sweep{
			ExpiryEveryBlocks: 100,
			MaxScan:           50,
			MaxExpire:         10,
			MaxArchive:        5,
			MaxRefCleanup:     10,
			RefTTLBlocks:      100_800, // ~1 week at 6s blocks
		},
		Kyc: Kyc{
			ExemptFirstPurchase: true,
		},
		Oracle: Oracle{
			Endpoints:    []string{"http://127.0.0.1:9090"},
			PollInterval: 2 * time.Second,
			HTTPTimeout:  5 * time.Second,
		},
		Node: Node{
			DataDir:   "data",
			APIAddr:   ":8080",
			BlockTime: time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Buy.OrderTimeout = envDuration("BUY_ORDER_TIMEOUT_MS", cfg.Buy.OrderTimeout)
	cfg.Buy.EvidenceWindow = envDuration("BUY_EVIDENCE_WINDOW_MS", cfg.Buy.EvidenceWindow)
	cfg.Buy.ArbitrationTimeout = envDuration("BUY_ARBITRATION_TIMEOUT_MS", cfg.Buy.ArbitrationTimeout)
	cfg.Buy.MinOrderMicros = envInt64("BUY_MIN_ORDER_MICROS", cfg.Buy.MinOrderMicros)
	cfg.Buy.MaxOrderMicros = envInt64("BUY_MAX_ORDER_MICROS", cfg.Buy.MaxOrderMicros)
	cfg.Buy.FirstPurchaseMicros = envInt64("BUY_FIRST_PURCHASE_MICROS", cfg.Buy.FirstPurchaseMicros)
	cfg.Buy.MaxFirstPurchasePerMaker = envUint32("BUY_MAX_FIRST_PURCHASE_PER_MAKER", cfg.Buy.MaxFirstPurchasePerMaker)

	cfg.Sell.VerificationDeadline = envUint64("SELL_VERIFICATION_DEADLINE_BLOCKS", cfg.Sell.VerificationDeadline)
	cfg.Sell.MinQty = envInt64("SELL_MIN_QTY", cfg.Sell.MinQty)
	cfg.Sell.MinAmountMicros = envInt64("SELL_MIN_AMOUNT_MICROS", cfg.Sell.MinAmountMicros)
	cfg.Sell.FeeRateBps = envUint32("SELL_FEE_RATE_BPS", cfg.Sell.FeeRateBps)
	cfg.Sell.MinFeeMicros = envInt64("SELL_MIN_FEE_MICROS", cfg.Sell.MinFeeMicros)
	cfg.Sell.RewardMicros = envInt64("SELL_REWARD_MICROS", cfg.Sell.RewardMicros)

	cfg.Deposit.MinMicros = envInt64("DEPOSIT_MIN_MICROS", cfg.Deposit.MinMicros)
	cfg.Deposit.RateBps = envUint32("DEPOSIT_RATE_BPS", cfg.Deposit.RateBps)
	cfg.Deposit.CancelPenaltyBps = envUint32("DEPOSIT_CANCEL_PENALTY_BPS", cfg.Deposit.CancelPenaltyBps)
	cfg.Deposit.TrustedCompletedCount = envUint32("DEPOSIT_TRUSTED_COMPLETED", cfg.Deposit.TrustedCompletedCount)

	cfg.Maker.MinBondMicros = envInt64("MAKER_MIN_BOND_MICROS", cfg.Maker.MinBondMicros)
	cfg.Maker.SlashPenaltyBps = envUint32("MAKER_SLASH_PENALTY_BPS", cfg.Maker.SlashPenaltyBps)

	cfg.Sweep.ExpiryEveryBlocks = envUint64("SWEEP_EXPIRY_EVERY_BLOCKS", cfg.Sweep.ExpiryEveryBlocks)
	cfg.Sweep.RefTTLBlocks = envUint64("SWEEP_REF_TTL_BLOCKS", cfg.Sweep.RefTTLBlocks)

	if v := os.Getenv("KYC_EXEMPT_FIRST_PURCHASE"); v != "" {
		cfg.Kyc.ExemptFirstPurchase = v == "true"
	}

	if eps := os.Getenv("ORACLE_ENDPOINTS"); eps != "" {
		cfg.Oracle.Endpoints = strings.Split(eps, ",")
	}
	cfg.Oracle.PollInterval = envDuration("ORACLE_POLL_INTERVAL_MS", cfg.Oracle.PollInterval)
	cfg.Oracle.HTTPTimeout = envDuration("ORACLE_HTTP_TIMEOUT_MS", cfg.Oracle.HTTPTimeout)

	cfg.Node.DataDir = getEnv("NODE_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("NODE_API_ADDR", cfg.Node.APIAddr)
	cfg.Node.BlockTime = envDuration("NODE_BLOCK_TIME_MS", cfg.Node.BlockTime)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
