package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/fleetwork/drover/pkg/logger"
)

const (
	// Environment constants
	Production  = "production"
	Development = "development"

	KeystoreTypeConsul = "consul"
	KeystoreTypeBadger = "badger"

	defaultKeystoreType       = KeystoreTypeBadger
	defaultPublishPort        = 4505
	defaultPublishSessionSecs = 86400
	defaultRequestTTLSecs     = 60
	defaultAuthMode           = 1
	defaultSigningAlgorithm   = "PKCS1v15-SHA224"
	defaultPKIDir             = "pki"
	defaultCacheDir           = "cache"
	defaultClusterPoolPort    = 4520

	EnvConfigFile = "DROVER_CONFIG_FILE"
)

type Config struct {
	Consul *ConsulConfig `mapstructure:"consul"`
	NATs   *NATsConfig   `mapstructure:"nats"`

	Environment string `mapstructure:"environment"`

	// MasterID names this master on the event bus and in cluster tags.
	MasterID string `mapstructure:"master_id"`

	// Key management
	KeystoreType   string   `mapstructure:"keystore_type"`
	BadgerPassword string   `mapstructure:"badger_password"`
	DBPath         string   `mapstructure:"db_path"`
	PKIDir         string   `mapstructure:"pki_dir"`
	CacheDir       string   `mapstructure:"cache_dir"`
	OpenMode       bool     `mapstructure:"open_mode"`
	AutoAccept     bool     `mapstructure:"auto_accept"`
	AutosignIDs    []string `mapstructure:"autosign_ids"`
	AutorejectIDs  []string `mapstructure:"autoreject_ids"`
	MaxMinions     int      `mapstructure:"max_minions"`
	AuthMode       int      `mapstructure:"auth_mode"`

	// Request server
	RequestServerTTL int `mapstructure:"request_server_ttl"`
	PublishSession   int `mapstructure:"publish_session"`

	// Publisher
	PublishPort             int    `mapstructure:"publish_port"`
	SignPubMessages         bool   `mapstructure:"sign_pub_messages"`
	PublishSigningAlgorithm string `mapstructure:"publish_signing_algorithm"`
	MasterSignPubkey        bool   `mapstructure:"master_sign_pubkey"`
	AuthEvents              bool   `mapstructure:"auth_events"`
	PresenceEvents          bool   `mapstructure:"presence_events"`

	// Clustering
	ClusterID       string   `mapstructure:"cluster_id"`
	ClusterPeers    []string `mapstructure:"cluster_peers"`
	ClusterPoolPort int      `mapstructure:"cluster_pool_port"`
}

type ConsulConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

type NATsConfig struct {
	URL      string     `mapstructure:"url"`
	Username string     `mapstructure:"username"`
	Password string     `mapstructure:"password"`
	TLS      *TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	CACert     string `mapstructure:"ca_cert"`
}

var (
	app *Config
	mu  sync.RWMutex
)

func initConfig() error {
	// env
	viper.SetEnvPrefix("DROVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("environment", Development)
	viper.SetDefault("keystore_type", defaultKeystoreType)
	viper.SetDefault("publish_port", defaultPublishPort)
	viper.SetDefault("publish_session", defaultPublishSessionSecs)
	viper.SetDefault("request_server_ttl", defaultRequestTTLSecs)
	viper.SetDefault("auth_mode", defaultAuthMode)
	viper.SetDefault("publish_signing_algorithm", defaultSigningAlgorithm)
	viper.SetDefault("pki_dir", defaultPKIDir)
	viper.SetDefault("cache_dir", defaultCacheDir)
	viper.SetDefault("cluster_pool_port", defaultClusterPoolPort)

	// set env config file
	configFile := os.Getenv(EnvConfigFile)
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/drover/")
		viper.AddConfigPath("$HOME/.drover/")
	}

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("viper read config: %w", err)
	}

	return nil
}

func SetEnvConfigPath(configPath string) {
	if configPath != "" {
		os.Setenv(EnvConfigFile, configPath)
	}
}

func LoadConfig() (*Config, error) {
	var cfg Config
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(viper.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateEnvironment(cfg.Environment); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := validateKeystoreType(cfg.KeystoreType); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	setConfig(&cfg)
	return &cfg, nil
}

func Load() (*Config, error) {
	if err := initConfig(); err != nil {
		return nil, err
	}
	return LoadConfig()
}

func validateEnvironment(environment string) error {
	validEnvironments := []string{Production, Development}

	if !slices.Contains(validEnvironments, environment) {
		return fmt.Errorf("invalid environment '%s'. Must be one of: %s", environment, strings.Join(validEnvironments, ", "))
	}
	return nil
}

func validateKeystoreType(keystoreType string) error {
	validTypes := []string{KeystoreTypeConsul, KeystoreTypeBadger}

	if !slices.Contains(validTypes, keystoreType) {
		return fmt.Errorf("invalid keystore_type '%s'. Must be one of: %s", keystoreType, strings.Join(validTypes, ", "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = Development
	}
	if cfg.KeystoreType == "" {
		cfg.KeystoreType = defaultKeystoreType
	}
	if cfg.PublishPort == 0 {
		cfg.PublishPort = defaultPublishPort
	}
	if cfg.PublishSession == 0 {
		cfg.PublishSession = defaultPublishSessionSecs
	}
	if cfg.AuthMode == 0 {
		cfg.AuthMode = defaultAuthMode
	}
	if cfg.PublishSigningAlgorithm == "" {
		cfg.PublishSigningAlgorithm = defaultSigningAlgorithm
	}
	if cfg.PKIDir == "" {
		cfg.PKIDir = defaultPKIDir
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}
	if cfg.ClusterPoolPort == 0 {
		cfg.ClusterPoolPort = defaultClusterPoolPort
	}
	if cfg.MasterID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.MasterID = host
		} else {
			cfg.MasterID = "master"
		}
	}
}

func setConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	app = cfg
}

// GetConfig returns the in-memory application configuration.
// It exits if the configuration has not been loaded yet.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if app == nil {
		logger.Fatal("configuration not loaded", nil)
	}
	return app
}

// Update applies the provided function while holding the configuration write lock.
func Update(fn func(cfg *Config)) {
	mu.Lock()
	defer mu.Unlock()
	if app == nil {
		panic("configuration not loaded")
	}
	fn(app)
}

func BadgerPassword() string {
	return GetConfig().BadgerPassword
}

func SetBadgerPassword(password string) {
	Update(func(cfg *Config) {
		cfg.BadgerPassword = password
	})
}

func PKIDir() string {
	return GetConfig().PKIDir
}

func CacheDir() string {
	return GetConfig().CacheDir
}

func NATs() *NATsConfig {
	return GetConfig().NATs
}

func Environment() string {
	return GetConfig().Environment
}

func IsCluster() bool {
	return GetConfig().ClusterID != ""
}

// IsCluster reports whether this master is part of a multi-master cluster.
func (c *Config) IsCluster() bool {
	return c.ClusterID != ""
}

func IsProduction() bool {
	return strings.EqualFold(Environment(), Production)
}
