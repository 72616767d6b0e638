package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Port          string   `long:"port" env:"PORT" default:"8080" description:"Server port"`
	RPID          string   `long:"rp-id" env:"RP_ID" default:"localhost" description:"Relying party ID"`
	RPName        string   `long:"rp-name" env:"RP_NAME" default:"City Pulse" description:"Relying party display name"`
	RPOrigins     []string `long:"rp-origin" env:"RP_ORIGIN" env-delim:"," default:"http://localhost:5173" description:"Relying party origins"`
	SecureCookies bool     `long:"secure-cookies" env:"SECURE_COOKIES" description:"Mark ceremony cookies Secure/SameSite=None (behind HTTPS)"`

	// Optional YAML file overriding relying party and directory settings
	ConfigFile string `long:"config" env:"CONFIG_FILE" description:"YAML config file"`

	// Storage config
	StorageMode string `long:"storage-mode" env:"STORAGE_MODE" default:"filesystem" choice:"memory" choice:"filesystem" choice:"s3" description:"Credential storage backend"`
	SessionMode string `long:"session-mode" env:"SESSION_MODE" default:"memory" choice:"memory" choice:"redis" description:"Challenge session storage backend"`

	// Filesystem storage
	DataPath string `long:"data-path" env:"DATA_PATH" default:"./data" description:"Filesystem storage directory"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"passkey-credentials" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`

	// Identity directory config
	Directory struct {
		BaseURL      string `long:"directory-url" env:"DIRECTORY_URL" default:"http://localhost:9096" description:"Identity directory base URL"`
		ServiceToken string `long:"directory-service-token" env:"DIRECTORY_SERVICE_TOKEN" description:"Service token for directory lookups"`
		JWTSecret    string `long:"directory-jwt-secret" env:"DIRECTORY_JWT_SECRET" description:"Shared secret for bearer token verification"`
		Issuer       string `long:"directory-issuer" env:"DIRECTORY_ISSUER" default:"citypulse-directory" description:"Expected bearer token issuer"`
	} `group:"Directory Options"`
}

// fileConfig mirrors the YAML config file layout. File values override
// flag and environment values when set.
type fileConfig struct {
	RelyingParty struct {
		ID      string   `yaml:"id"`
		Name    string   `yaml:"name"`
		Origins []string `yaml:"origins"`
	} `yaml:"relying_party"`
	Directory struct {
		BaseURL      string `yaml:"base_url"`
		ServiceToken string `yaml:"service_token"`
		JWTSecret    string `yaml:"jwt_secret"`
		Issuer       string `yaml:"issuer"`
	} `yaml:"directory"`
}

// LoadConfig parses configuration from environment variables and command line flags
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.ConfigFile != "" {
		if err := config.applyFile(config.ConfigFile); err != nil {
			return nil, err
		}
	}

	if config.Directory.JWTSecret == "" {
		return nil, fmt.Errorf("directory JWT secret is required")
	}

	return &config, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.RelyingParty.ID != "" {
		c.RPID = fc.RelyingParty.ID
	}
	if fc.RelyingParty.Name != "" {
		c.RPName = fc.RelyingParty.Name
	}
	if len(fc.RelyingParty.Origins) > 0 {
		c.RPOrigins = fc.RelyingParty.Origins
	}
	if fc.Directory.BaseURL != "" {
		c.Directory.BaseURL = fc.Directory.BaseURL
	}
	if fc.Directory.ServiceToken != "" {
		c.Directory.ServiceToken = fc.Directory.ServiceToken
	}
	if fc.Directory.JWTSecret != "" {
		c.Directory.JWTSecret = fc.Directory.JWTSecret
	}
	if fc.Directory.Issuer != "" {
		c.Directory.Issuer = fc.Directory.Issuer
	}

	return nil
}
