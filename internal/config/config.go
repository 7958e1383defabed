// Package config loads and holds all proxy configuration.
//
// The four flags required by the CLI contract (port, outfile, cert-file,
// key-file) are parsed with pflag and always take precedence. Everything
// else is layered: defaults ->
// proxy-config.json (optional) -> environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds the full proxy configuration.
type Config struct {
	Port     int    `json:"port"`
	Outfile  string `json:"outfile"`
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`

	BindAddress     string `json:"bindAddress"`
	ManagementPort  int    `json:"managementPort"`
	ManagementToken string `json:"managementToken"`
	LogLevel        string `json:"logLevel"`

	// HostMapFile, if set, is a JSON file of {"logical-host:port":"dial-addr:port"}
	// overrides consulted by the Upstream Connector (component C).
	HostMapFile string `json:"hostMapFile"`

	// ExtraRootsFile, if set, is a PEM bundle of additional trusted roots
	// for upstream TLS verification (component C's extra_roots).
	ExtraRootsFile string `json:"extraRootsFile"`

	// LeafCacheFile, if set, persists spoofed leaf certificates across
	// restarts via bbolt. Empty means in-memory cache only.
	LeafCacheFile string `json:"leafCacheFile"`

	// GenerateCA, when true, generates and persists a fresh CA at the
	// configured cert/key paths if neither file exists yet.
	GenerateCA bool `json:"generateCA"`

	UpstreamConnectTimeout time.Duration `json:"-"`
	UpstreamIdleTimeout    time.Duration `json:"-"`

	// BlockKeywords is the keyword list the default policy matches against
	// the parsed prompt (messages[0].content.parts[0]).
	BlockKeywords []string `json:"blockKeywords"`

	// BlockRefusalText is the assistant-turn text synthesized into the SSE
	// block response when a request is blocked.
	BlockRefusalText string `json:"blockRefusalText"`
}

// caKeyPassphrase is the literal passphrase the CLI always supplies when
// decrypting the CA's private key.
const caKeyPassphrase = "third-wheel"

// KeyPassphrase returns the literal CA key passphrase.
func (c *Config) KeyPassphrase() string { return caKeyPassphrase }

// Load parses CLI flags and layers proxy-config.json / environment
// variables beneath them. Flags always win over file and env values.
func Load(args []string) (*Config, error) {
	cfg := defaults()
	loadFile(cfg, "proxy-config.json")
	loadEnv(cfg)

	fs := pflag.NewFlagSet("tls-interceptor-proxy", pflag.ContinueOnError)
	port := fs.IntP("port", "p", cfg.Port, "port to bind proxy to")
	outfile := fs.StringP("outfile", "o", cfg.Outfile, "output file to save the HAR to")
	certFile := fs.StringP("cert-file", "c", cfg.CertFile, "pem file for the CA certificate")
	keyFile := fs.StringP("key-file", "k", cfg.KeyFile, "pem file for the CA private key")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Port = *port
	cfg.Outfile = *outfile
	cfg.CertFile = *certFile
	cfg.KeyFile = *keyFile
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                   8081,
		Outfile:                "logs.har",
		CertFile:               "ca/ca_certs/cert.pem",
		KeyFile:                "ca/ca_certs/key.pem",
		BindAddress:            "127.0.0.1",
		ManagementPort:         8082,
		LogLevel:               "info",
		UpstreamConnectTimeout: 10 * time.Second,
		UpstreamIdleTimeout:    90 * time.Second,
		BlockKeywords:          []string{"confidential"},
		BlockRefusalText:       "Impossible d'executer votre requête car elle contient des informations compromettantes pour votre entreprise !",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("PROXY_OUTFILE"); v != "" {
		cfg.Outfile = v
	}
	if v := os.Getenv("PROXY_CERT_FILE"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("PROXY_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HOST_MAP_FILE"); v != "" {
		cfg.HostMapFile = v
	}
	if v := os.Getenv("EXTRA_ROOTS_FILE"); v != "" {
		cfg.ExtraRootsFile = v
	}
	if v := os.Getenv("LEAF_CACHE_FILE"); v != "" {
		cfg.LeafCacheFile = v
	}
	if v := os.Getenv("GENERATE_CA"); v != "" {
		cfg.GenerateCA = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("BLOCK_KEYWORDS"); v != "" {
		cfg.BlockKeywords = strings.Split(v, ",")
	}
}
