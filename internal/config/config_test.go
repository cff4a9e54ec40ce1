package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleTOML = `
[server]
http_port = 8080
log_level = "info"

[database]
max_connections_db = 10

[locator]
h3_resolution = 7

[yandex-lbs]
enabled = true
url = "https://example.invalid/geolocation"
api_keys = ["key-a", "key-b"]

[altergeo-lbs]
enabled = false

[[t38.instances]]
host = "127.0.0.1"
port = 9851

[graphhopper]
host = ""
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_HappyPath(t *testing.T) {
	path := writeConfig(t, sampleTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if len(cfg.YandexLBS.APIKeys) != 2 {
		t.Errorf("APIKeys = %v, want 2 entries", cfg.YandexLBS.APIKeys)
	}
	if len(cfg.T38.Instances) != 1 || cfg.T38.Instances[0].Port != 9851 {
		t.Errorf("T38.Instances = %+v", cfg.T38.Instances)
	}
}

func TestValidate_RejectsBothInstancesAndSentinel(t *testing.T) {
	c := Config{T38: T38{
		Instances: []T38Instance{{Host: "a", Port: 1}},
		Sentinel:  []T38Sentinel{{Host: "b", Port: 2}},
	}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when both instances and sentinel are configured")
	}
}

func TestValidate_RejectsNeitherInstancesNorSentinel(t *testing.T) {
	var c Config
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when neither instances nor sentinel are configured")
	}
}

func TestValidate_AcceptsInstancesOnly(t *testing.T) {
	c := Config{T38: T38{Instances: []T38Instance{{Host: "a", Port: 1}}}}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadDatabaseCredentials_Defaults(t *testing.T) {
	os.Unsetenv("POSTGRES_USER")
	os.Unsetenv("POSTGRES_PASSWORD")
	os.Unsetenv("POSTGRES_DBNAME")
	os.Unsetenv("POSTGRES_DBPORT")

	creds := LoadDatabaseCredentials()
	if creds.User != "locator" || creds.DBName != "locator" || creds.Port != 5432 {
		t.Errorf("unexpected defaults: %+v", creds)
	}
}

func TestLoadDatabaseCredentials_FromEnv(t *testing.T) {
	t.Setenv("POSTGRES_USER", "custom")
	t.Setenv("POSTGRES_DBPORT", "5555")

	creds := LoadDatabaseCredentials()
	if creds.User != "custom" {
		t.Errorf("User = %q, want custom", creds.User)
	}
	if creds.Port != 5555 {
		t.Errorf("Port = %d, want 5555", creds.Port)
	}
}
