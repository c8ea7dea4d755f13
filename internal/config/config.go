package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all kernel configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	Kernel             KernelConfig
	Storage            StorageConfig
}

// KernelConfig holds dispatcher/RPC-surface settings.
type KernelConfig struct {
	SocketPath     string `mapstructure:"socket_path"`
	EthTxPrincipal string `mapstructure:"ethtx_principal"`
}

// StorageConfig selects and configures the confidential storage backend:
// "memory" for development, "redis" for an envelope-encrypted deployment
// keyed by AWS KMS (or LocalStack, when LocalStackEndpoint is set).
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	AWSRegion     string `mapstructure:"aws_region"`
	KMSKeyID      string `mapstructure:"kms_key_id"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// Load reads configuration from environment variables prefixed with
// LIQUEFACTION_, e.g. LIQUEFACTION_KERNEL_SOCKET_PATH.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIQUEFACTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("localstack_endpoint", "")

	v.SetDefault("kernel.socket_path", "/var/run/liquefaction/kerneld.sock")
	v.SetDefault("kernel.ethtx_principal", "ethtx-policy")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.aws_region", "us-east-1")
	v.SetDefault("storage.kms_key_id", "")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)

	cfg := &Config{
		Env:                v.GetString("env"),
		LocalStackEndpoint: v.GetString("localstack_endpoint"),
		Kernel: KernelConfig{
			SocketPath:     v.GetString("kernel.socket_path"),
			EthTxPrincipal: v.GetString("kernel.ethtx_principal"),
		},
		Storage: StorageConfig{
			Backend:       v.GetString("storage.backend"),
			AWSRegion:     v.GetString("storage.aws_region"),
			KMSKeyID:      v.GetString("storage.kms_key_id"),
			RedisAddr:     v.GetString("storage.redis_addr"),
			RedisPassword: v.GetString("storage.redis_password"),
			RedisDB:       v.GetInt("storage.redis_db"),
		},
	}

	return cfg, nil
}
