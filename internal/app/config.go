package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/payment"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"HTTP listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `default:"redis://localhost:6379/0" usage:"Redis URL for the shipment queue (SHOP_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	Gateway     GatewayConfig
	Shipping    ShippingConfig
	Orders      OrdersConfig
	Cart        CartConfig
	Discount    DiscountConfig
	Graceful    GracefulConfig
}

// GatewayConfig configures the payment gateway client and callback checks.
type GatewayConfig struct {
	BaseURL           string        `default:"https://gateway.zibal.ir" usage:"Gateway API base URL"`
	StartURL          string        `default:"https://gateway.zibal.ir/start" usage:"Base URL customers are redirected to"`
	MerchantID        string        `usage:"Merchant id (or GATEWAY_MERCHANT_ID)"`
	CallbackURL       string        `usage:"Public URL of /payment/verify"`
	WebhookSecret     string        `usage:"HMAC key for callback signatures; empty disables the check (or GATEWAY_WEBHOOK_SECRET)"`
	SignatureHeader   string        `default:"X-Signature" usage:"Header carrying the callback signature"`
	AllowedIPs        []string      `usage:"Callback IP/CIDR allowlist; empty allows all (or GATEWAY_ALLOWED_IPS)"`
	TrustForwardedFor bool          `default:"false" usage:"Take the caller IP from the first X-Forwarded-For entry"`
	RequestTimeout    time.Duration `default:"5s" usage:"Timeout of payment requests"`
	VerifyTimeout     time.Duration `default:"5s" usage:"Timeout of payment verifications"`
	CallbackRate      float64       `default:"5" usage:"Callback requests per second per client IP; 0 disables the limit"`
	CallbackBurst     int           `default:"20" usage:"Callback rate limit burst"`
}

// ShippingConfig configures the shipping provider and the shipment worker.
type ShippingConfig struct {
	BaseURL          string        `default:"https://api.postex.ir" usage:"Shipping provider API base URL"`
	APIKey           string        `usage:"Shipping provider API key"`
	CreateTimeout    time.Duration `default:"15s" usage:"Timeout of parcel creation"`
	TrackingTimeout  time.Duration `default:"10s" usage:"Timeout of tracking reads"`
	RatePerSecond    float64       `default:"10" usage:"Outgoing requests per second; 0 disables the limit"`
	Workers          int           `default:"2" usage:"Shipment worker goroutines"`
	MaxAttempts      int           `default:"3" usage:"Parcel creation attempts per order"`
	RetryBase        time.Duration `default:"60s" usage:"Delay before the first retry; doubles per attempt"`
	Queue            string        `default:"shop:shipments" usage:"Redis key prefix of the shipment queue"`
	PromoteInterval  time.Duration `default:"1s" usage:"How often due retries are promoted"`
	MaxBacklog       int64         `default:"10000" usage:"Queue depth above which readiness fails"`
	TrackingInterval time.Duration `default:"10m" usage:"How often in-flight parcels are refreshed; 0 disables polling"`
	TrackingBatch    int           `default:"200" usage:"In-flight orders refreshed per poll"`
}

// OrdersConfig configures pricing and the pending order sweeper.
type OrdersConfig struct {
	PendingTimeout time.Duration `default:"20m" usage:"Pending orders older than this are canceled (or PENDING_ORDER_TIMEOUT_SECONDS)"`
	SweepInterval  time.Duration `default:"1m" usage:"How often expired orders are swept"`
	ShippingCost   string        `default:"0" usage:"Flat shipping cost added to every order"`
	TaxRate        string        `default:"0" usage:"Tax rate applied to subtotal minus discount, e.g. 0.09"`
}

// CartConfig configures cart sessions.
type CartConfig struct {
	SessionKeyName string `default:"cart_session" usage:"Cookie carrying the anonymous cart key (or CART_SESSION_KEY_NAME)"`
}

// DiscountConfig configures the discount engine.
type DiscountConfig struct {
	TieBreakPolicy string `default:"earliest_valid_from" usage:"earliest_valid_from or latest_valid_from (or DISCOUNT_TIEBREAK_POLICY)"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files and flags, applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.applyPlatformDefaults(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults fills unset fields from the unprefixed variables
// deployment platforms and operators commonly provide.
func (c *Config) applyPlatformDefaults(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.Gateway.MerchantID, "GATEWAY_MERCHANT_ID")
	setString(&c.Gateway.WebhookSecret, "GATEWAY_WEBHOOK_SECRET")

	if v := getenv("REDIS_URL"); v != "" && c.RedisURL == "redis://localhost:6379/0" {
		c.RedisURL = v
	}
	if port := getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
	if len(c.Gateway.AllowedIPs) == 0 {
		if v := getenv("GATEWAY_ALLOWED_IPS"); v != "" {
			for _, ip := range strings.Split(v, ",") {
				if ip = strings.TrimSpace(ip); ip != "" {
					c.Gateway.AllowedIPs = append(c.Gateway.AllowedIPs, ip)
				}
			}
		}
	}
	if v := getenv("PENDING_ORDER_TIMEOUT_SECONDS"); v != "" && c.Orders.PendingTimeout == 20*time.Minute {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return errors.Errorf("invalid PENDING_ORDER_TIMEOUT_SECONDS %q", v)
		}
		c.Orders.PendingTimeout = time.Duration(secs) * time.Second
	}
	if v := getenv("CART_SESSION_KEY_NAME"); v != "" && c.Cart.SessionKeyName == "cart_session" {
		c.Cart.SessionKeyName = v
	}
	if v := getenv("DISCOUNT_TIEBREAK_POLICY"); v != "" && c.Discount.TieBreakPolicy == string(discount.EarliestValidFrom) {
		c.Discount.TieBreakPolicy = v
	}
	return nil
}

// Validate checks required keys and parses the derived values.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	if c.Gateway.MerchantID == "" {
		return errors.New("gateway merchant id is required: set SHOP_GATEWAY_MERCHANT_ID or GATEWAY_MERCHANT_ID")
	}
	if c.Gateway.CallbackURL == "" {
		return errors.New("gateway callback URL is required")
	}
	if _, err := c.TieBreak(); err != nil {
		return err
	}
	if _, err := c.Allowlist(); err != nil {
		return err
	}
	if _, err := c.Pricing(); err != nil {
		return err
	}
	if c.Orders.PendingTimeout <= 0 {
		return errors.New("pending order timeout must be positive")
	}
	return nil
}

// TieBreak returns the parsed discount tie-break policy.
func (c *Config) TieBreak() (discount.TieBreak, error) {
	return discount.ParseTieBreak(c.Discount.TieBreakPolicy)
}

// Allowlist returns the parsed callback IP allowlist.
func (c *Config) Allowlist() (payment.Allowlist, error) {
	return payment.ParseAllowlist(c.Gateway.AllowedIPs)
}

// Pricing returns the parsed shipping cost and tax rate.
func (c *Config) Pricing() (order.Pricing, error) {
	shipping, err := decimal.NewFromString(orDefault(c.Orders.ShippingCost, "0"))
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse shipping cost")
	}
	tax, err := decimal.NewFromString(orDefault(c.Orders.TaxRate, "0"))
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse tax rate")
	}
	if shipping.IsNegative() || tax.IsNegative() {
		return order.Pricing{}, errors.New("shipping cost and tax rate must not be negative")
	}
	return order.Pricing{ShippingCost: shipping, TaxRate: tax}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
