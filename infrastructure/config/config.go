package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every runtime setting. All 1C-related names and labels can be
// overridden per deployment; the defaults match a stock УНФ OData publication.
type Config struct {
	Addr     string
	Debug    bool
	LogLevel string

	// Auth
	AppPassword  string
	SessionTTL   time.Duration
	CookieName   string
	CookieSecure bool

	// DB
	SQLitePath string

	// Sync
	SyncInterval time.Duration

	// 1C connection
	OnecMode      string // mock|odata
	OnecBaseURL   string
	OnecUsername  string
	OnecPassword  string
	OnecVerifyTLS bool
	OnecTimeout   time.Duration

	OnecOrdersTop     int
	OnecOrdersOrderby string // empty disables $orderby
	OnecConcurrency   int
	OnecHTTPDebug     bool

	// Entity sets
	EntityOrders     string
	EntityOrderLines string
	EntityStatuses   string
	EntityCustomers  string
	EntityItems      string
	EntityUnits      string // empty disables unit name resolution

	// Field role overrides (empty triggers discovery)
	OrderStatusField       string
	OrderCustomerKeyField  string
	OrderShipDeadlineField string
	OrderCommentField      string
	LineItemField          string
	LineQtyField           string
	LineUnitField          string
	LineProgressField      string

	// Discovery heuristics; fragments are deployment-locale lists, not
	// hardcoded constants.
	StatusNameFragments []string
	PickingFragment     string
	PickingStateField   string
	KnownStatusField    string

	// Status labels
	StatusPicking  string
	StatusPicked   string
	StatusInWork   string
	StatusShipped  string
	StatusFinished string
	ActiveStatuses []string

	// Board thresholds
	DueSoonHours int
	StaleHours   int
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ADDR", ":8080")
	v.SetDefault("APP_DEBUG", false)
	v.SetDefault("APP_LOG_LEVEL", "info")
	v.SetDefault("APP_PASSWORD", "change-me")
	v.SetDefault("TOKEN_EXP_DAYS", 30)
	v.SetDefault("COOKIE_NAME", "auth_token")
	v.SetDefault("APP_COOKIE_SECURE", false)
	v.SetDefault("SQLITE_PATH", "shishki.db")
	v.SetDefault("SYNC_INTERVAL_SECONDS", 60)

	v.SetDefault("ONEC_MODE", "mock")
	v.SetDefault("ONEC_BASE_URL", "")
	v.SetDefault("ONEC_USERNAME", "")
	v.SetDefault("ONEC_PASSWORD", "")
	v.SetDefault("ONEC_VERIFY_TLS", true)
	v.SetDefault("ONEC_TIMEOUT_SECONDS", 30)
	v.SetDefault("ONEC_ORDERS_TOP", 200)
	v.SetDefault("ONEC_ORDERS_ORDERBY", "Date desc")
	v.SetDefault("ONEC_CONCURRENCY", 8)
	v.SetDefault("ONEC_HTTP_DEBUG", false)

	v.SetDefault("ONEC_ENTITY_ORDERS", "Document_ЗаказПокупателя")
	v.SetDefault("ONEC_ENTITY_ORDER_LINES", "Document_ЗаказПокупателя_Запасы")
	v.SetDefault("ONEC_ENTITY_STATUSES", "Catalog_СостоянияЗаказовПокупателей")
	v.SetDefault("ONEC_ENTITY_CUSTOMERS", "Catalog_Контрагенты")
	v.SetDefault("ONEC_ENTITY_ITEMS", "Catalog_Номенклатура")
	v.SetDefault("ONEC_ENTITY_UNITS", "Catalog_КлассификаторЕдиницИзмерения")

	v.SetDefault("ONEC_ORDER_STATUS_FIELD", "СостояниеЗаказа")
	v.SetDefault("ONEC_ORDER_CUSTOMER_KEY_FIELD", "Контрагент_Key")
	v.SetDefault("ONEC_ORDER_SHIP_DEADLINE_FIELD", "ДатаОтгрузки")
	v.SetDefault("ONEC_ORDER_COMMENT_FIELD", "Комментарий")
	v.SetDefault("ONEC_LINE_ITEM_FIELD", "Номенклатура")
	v.SetDefault("ONEC_LINE_QTY_FIELD", "Количество")
	v.SetDefault("ONEC_LINE_UNIT_FIELD", "ЕдиницаИзмерения")
	v.SetDefault("ONEC_LINE_PROGRESS_FIELD", "КоличествоСобрано")

	v.SetDefault("ONEC_STATUS_NAME_FRAGMENTS", "состояни,статус")
	v.SetDefault("ONEC_PICKING_FRAGMENT", "сборк")
	v.SetDefault("ONEC_PICKING_STATE_FIELD", "СтатусСборки")
	v.SetDefault("ONEC_KNOWN_STATUS_FIELD", "СостояниеЗаказа")

	v.SetDefault("ONEC_STATUS_PICKING", "На сборке")
	v.SetDefault("ONEC_STATUS_PICKED", "Собран")
	v.SetDefault("ONEC_STATUS_IN_WORK", "В работе")
	v.SetDefault("ONEC_STATUS_SHIPPED", "Отгружен")
	v.SetDefault("ONEC_STATUS_FINISHED", "Завершен")
	v.SetDefault("ONEC_ACTIVE_STATUSES", "На сборке,В работе,Собран")

	v.SetDefault("DUE_SOON_HOURS", 24)
	v.SetDefault("STALE_HOURS", 48)

	cfg := &Config{
		Addr:     v.GetString("APP_ADDR"),
		Debug:    v.GetBool("APP_DEBUG"),
		LogLevel: v.GetString("APP_LOG_LEVEL"),

		AppPassword:  v.GetString("APP_PASSWORD"),
		SessionTTL:   time.Duration(v.GetInt("TOKEN_EXP_DAYS")) * 24 * time.Hour,
		CookieName:   v.GetString("COOKIE_NAME"),
		CookieSecure: v.GetBool("APP_COOKIE_SECURE"),

		SQLitePath:   v.GetString("SQLITE_PATH"),
		SyncInterval: time.Duration(v.GetInt("SYNC_INTERVAL_SECONDS")) * time.Second,

		OnecMode:      strings.ToLower(strings.TrimSpace(v.GetString("ONEC_MODE"))),
		OnecBaseURL:   v.GetString("ONEC_BASE_URL"),
		OnecUsername:  v.GetString("ONEC_USERNAME"),
		OnecPassword:  v.GetString("ONEC_PASSWORD"),
		OnecVerifyTLS: v.GetBool("ONEC_VERIFY_TLS"),
		OnecTimeout:   time.Duration(v.GetInt("ONEC_TIMEOUT_SECONDS")) * time.Second,

		OnecOrdersTop:     v.GetInt("ONEC_ORDERS_TOP"),
		OnecOrdersOrderby: strings.TrimSpace(v.GetString("ONEC_ORDERS_ORDERBY")),
		OnecConcurrency:   v.GetInt("ONEC_CONCURRENCY"),
		OnecHTTPDebug:     v.GetBool("ONEC_HTTP_DEBUG"),

		EntityOrders:     v.GetString("ONEC_ENTITY_ORDERS"),
		EntityOrderLines: v.GetString("ONEC_ENTITY_ORDER_LINES"),
		EntityStatuses:   v.GetString("ONEC_ENTITY_STATUSES"),
		EntityCustomers:  v.GetString("ONEC_ENTITY_CUSTOMERS"),
		EntityItems:      v.GetString("ONEC_ENTITY_ITEMS"),
		EntityUnits:      strings.TrimSpace(v.GetString("ONEC_ENTITY_UNITS")),

		OrderStatusField:       v.GetString("ONEC_ORDER_STATUS_FIELD"),
		OrderCustomerKeyField:  v.GetString("ONEC_ORDER_CUSTOMER_KEY_FIELD"),
		OrderShipDeadlineField: v.GetString("ONEC_ORDER_SHIP_DEADLINE_FIELD"),
		OrderCommentField:      v.GetString("ONEC_ORDER_COMMENT_FIELD"),
		LineItemField:          v.GetString("ONEC_LINE_ITEM_FIELD"),
		LineQtyField:           v.GetString("ONEC_LINE_QTY_FIELD"),
		LineUnitField:          v.GetString("ONEC_LINE_UNIT_FIELD"),
		LineProgressField:      v.GetString("ONEC_LINE_PROGRESS_FIELD"),

		StatusNameFragments: splitList(v.GetString("ONEC_STATUS_NAME_FRAGMENTS")),
		PickingFragment:     v.GetString("ONEC_PICKING_FRAGMENT"),
		PickingStateField:   v.GetString("ONEC_PICKING_STATE_FIELD"),
		KnownStatusField:    v.GetString("ONEC_KNOWN_STATUS_FIELD"),

		StatusPicking:  v.GetString("ONEC_STATUS_PICKING"),
		StatusPicked:   v.GetString("ONEC_STATUS_PICKED"),
		StatusInWork:   v.GetString("ONEC_STATUS_IN_WORK"),
		StatusShipped:  v.GetString("ONEC_STATUS_SHIPPED"),
		StatusFinished: v.GetString("ONEC_STATUS_FINISHED"),
		ActiveStatuses: splitList(v.GetString("ONEC_ACTIVE_STATUSES")),

		DueSoonHours: v.GetInt("DUE_SOON_HOURS"),
		StaleHours:   v.GetInt("STALE_HOURS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OnecMode != "mock" && c.OnecMode != "odata" {
		return fmt.Errorf("unknown ONEC_MODE: %q (want mock or odata)", c.OnecMode)
	}
	if c.OnecMode == "odata" && strings.TrimSpace(c.OnecBaseURL) == "" {
		return fmt.Errorf("ONEC_BASE_URL is empty; required for ONEC_MODE=odata")
	}
	if c.OnecConcurrency < 1 {
		c.OnecConcurrency = 1
	}
	if c.OnecOrdersTop < 1 {
		c.OnecOrdersTop = 1
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
