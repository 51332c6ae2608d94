package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsulConfig(t *testing.T) {
	config := ConsulConfig{
		Address:  "consul.example.com:8500",
		Username: "consul_user",
		Password: "consul_pass",
		Token:    "consul_token",
	}

	assert.Equal(t, "consul.example.com:8500", config.Address)
	assert.Equal(t, "consul_user", config.Username)
	assert.Equal(t, "consul_pass", config.Password)
	assert.Equal(t, "consul_token", config.Token)
}

func TestNATsConfig(t *testing.T) {
	config := NATsConfig{
		URL:      "nats://nats.example.com:4222",
		Username: "nats_user",
		Password: "nats_pass",
	}

	assert.Equal(t, "nats://nats.example.com:4222", config.URL)
	assert.Equal(t, "nats_user", config.Username)
	assert.Equal(t, "nats_pass", config.Password)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	config := &Config{}
	applyDefaults(config)

	assert.Equal(t, Development, config.Environment)
	assert.Equal(t, defaultKeystoreType, config.KeystoreType)
	assert.Equal(t, defaultPublishPort, config.PublishPort)
	assert.Equal(t, defaultPublishSessionSecs, config.PublishSession)
	assert.Equal(t, defaultAuthMode, config.AuthMode)
	assert.Equal(t, defaultSigningAlgorithm, config.PublishSigningAlgorithm)
	assert.Equal(t, defaultPKIDir, config.PKIDir)
	assert.Equal(t, defaultCacheDir, config.CacheDir)
	assert.Equal(t, defaultClusterPoolPort, config.ClusterPoolPort)
}

func TestConfig_ApplyDefaults_WithExistingValues(t *testing.T) {
	config := &Config{
		Environment: "production",
		PKIDir:      "/custom/pki",
		MaxMinions:  50,
	}
	applyDefaults(config)

	// Should not override existing values
	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, "/custom/pki", config.PKIDir)
	assert.Equal(t, 50, config.MaxMinions)

	// Should apply defaults for empty values
	assert.Equal(t, defaultKeystoreType, config.KeystoreType)
	assert.Equal(t, defaultPublishPort, config.PublishPort)
}

func TestValidateEnvironment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		wantErr     bool
	}{
		{name: "valid production environment", environment: "production", wantErr: false},
		{name: "valid development environment", environment: "development", wantErr: false},
		{name: "invalid environment", environment: "staging", wantErr: true},
		{name: "empty environment", environment: "", wantErr: true},
		{name: "case sensitive - Production", environment: "Production", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvironment(tt.environment)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKeystoreType(t *testing.T) {
	tests := []struct {
		name         string
		keystoreType string
		wantErr      bool
	}{
		{name: "consul backend", keystoreType: "consul", wantErr: false},
		{name: "badger backend", keystoreType: "badger", wantErr: false},
		{name: "unknown backend", keystoreType: "etcd", wantErr: true},
		{name: "empty backend", keystoreType: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateKeystoreType(tt.keystoreType)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
