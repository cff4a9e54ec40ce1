// Package config loads config.toml (spec.md §6) into a typed Config, and
// reads the relational store's credentials from the process environment.
// Grounded on original_source/src/config/config.rs for section/field
// shape, and on the teacher's internal/core/config/config.go for the
// getenv-with-default helper style used for env-sourced values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server      Server      `toml:"server"`
	Database    Database    `toml:"database"`
	Threadpool  Threadpool  `toml:"threadpool"`
	Locator     Locator     `toml:"locator"`
	YandexLBS   YandexLBS   `toml:"yandex-lbs"`
	AlterGeoLBS AlterGeoLBS `toml:"altergeo-lbs"`
	T38         T38         `toml:"t38"`
	GraphHopper GraphHopper `toml:"graphhopper"`
}

type Server struct {
	HTTPPort          uint16   `toml:"http_port"`
	NumHTTPWorkers    int      `toml:"num_http_workers"`
	MaxPayloadMB      int      `toml:"max_payload_mb"`
	LogLevel          string   `toml:"log_level"`
	CredentialTokens  []string `toml:"creditional_tokens"`
	MetricsEnabled    bool     `toml:"metrics_enabled"`
}

type Database struct {
	MaxConnectionsDB          int `toml:"max_connections_db"`
	ReportProcessingFrequency int `toml:"report_processing_frequency"`
	ReportNumberDaysSearch    int `toml:"report_number_days_search"`
	ReportKeepDays            int `toml:"report_keep_days"`
}

type Threadpool struct {
	CoreSize  int `toml:"core_size"`
	MaxSize   int `toml:"max_size"`
	KeepAlive int `toml:"keep_alive"`
}

type Locator struct {
	ReportQueueSize            int     `toml:"report_queue_size"`
	TasksProcessingReportsCount int    `toml:"tasks_processing_reports_count"`
	ProcessReportOnline        bool    `toml:"process_report_online"`
	H3Resolution               int     `toml:"h3_resolution"`
	RadiusWifiDetection        float64 `toml:"radius_wifi_detection"`
	MaxDistanceInCluster       float64 `toml:"max_distance_in_cluster"`
	MaxDistanceCell            float64 `toml:"max_distance_cell"`
	LAAFilter                  bool    `toml:"laa_filter"`
}

type YandexLBS struct {
	Enabled              bool     `toml:"enabled"`
	URL                  string   `toml:"url"`
	APIKeys              []string `toml:"api_keys"`
	RateLimit            int      `toml:"rate_limit"`
	MaxDistanceInCluster float64  `toml:"max_distance_in_cluster"`
}

type AlterGeoLBS struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	APIKey  string `toml:"apikey"`
}

type T38 struct {
	Instances         []T38Instance `toml:"instances"`
	Sentinel          []T38Sentinel `toml:"sentinel"`
	GCFrequency       *int          `toml:"gc_frequency"`
	AOFShrinkFrequency *int         `toml:"aofshrink_frequency"`
	HealthzFrequency  *int          `toml:"healthz_frequency"`
}

type T38Instance struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

type T38Sentinel struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

type GraphHopper struct {
	Host              string            `toml:"host"`
	Port              uint16            `toml:"port"`
	RateLimitMatching int               `toml:"rate_limit_matching"`
	Admin             GraphHopperAdmin  `toml:"admin"`
}

type GraphHopperAdmin struct {
	Host        string `toml:"host"`
	Port        uint16 `toml:"port"`
	GCFrequency *int   `toml:"gc_frequency"`
}

// Load reads and parses a config.toml file at path.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate enforces the mutually-exclusive topology rule from spec.md §4.1
// ("At most one of (a), (b) MUST be set").
func (c Config) Validate() error {
	if len(c.T38.Instances) > 0 && len(c.T38.Sentinel) > 0 {
		return fmt.Errorf("t38 config: manual instances detection in conjunction with sentinel is not allowed")
	}
	if len(c.T38.Instances) == 0 && len(c.T38.Sentinel) == 0 {
		return fmt.Errorf("t38 config: necessary to determine the instances or sentinel")
	}
	return nil
}

// DatabaseCredentials are read from the process environment per spec.md §6.
type DatabaseCredentials struct {
	User     string
	Password string
	DBName   string
	Port     int
	Host     string
}

// LoadDatabaseCredentials reads POSTGRES_USER, POSTGRES_PASSWORD,
// POSTGRES_DBNAME, POSTGRES_DBPORT from the environment. The host is fixed
// to 127.0.0.1, matching original_source/src/config/config.rs (flagged as
// spec.md Open Question #2 — preserved as-is).
func LoadDatabaseCredentials() DatabaseCredentials {
	return DatabaseCredentials{
		User:     getenv("POSTGRES_USER", "locator"),
		Password: getenv("POSTGRES_PASSWORD", ""),
		DBName:   getenv("POSTGRES_DBNAME", "locator"),
		Port:     getintEnv("POSTGRES_DBPORT", 5432),
		Host:     "127.0.0.1",
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getintEnv(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
