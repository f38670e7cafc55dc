package config

import (
	"encoding/json"
	"os"

	"github.com/diracgrid/pilotauth/internal/flagx"
	"github.com/diracgrid/pilotauth/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Every field is
// optional; absent fields leave the current value untouched.
type JsonConfig struct {
	EndpointAddrHTTP             *string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC             *string         `json:"endpoint_addr_grpc"`
	DatabaseDSN                  *string         `json:"database_dsn"`
	SecretKey                    *string         `json:"secret_key"`
	TokenIssuer                  *string         `json:"token_issuer"`
	AccessTokenValidityDuration  *timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration *timex.Duration `json:"refresh_token_validity_duration"`
	PilotSecretValidityDuration  *timex.Duration `json:"pilot_secret_validity_duration"`
	SecretHashAlgorithm          *string         `json:"secret_hash_algorithm"`
	AdminToken                   *string         `json:"admin_token"`
	RedisAddr                    *string         `json:"redis_addr"`
	LoginMaxFailures             *int            `json:"login_max_failures"`
	LoginFailureWindow           *timex.Duration `json:"login_failure_window"`
	LogLevel                     *string         `json:"log_level"`
}

// parseJson overlays values from the JSON file named by -c/-config (or
// $PILOTAUTH_CONFIG). No file means no change. An unreadable or invalid file
// panics: a server must not start on a half-read config.
func parseJson(config *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.TokenIssuer, c.TokenIssuer)
	setString(&config.SecretHashAlgorithm, c.SecretHashAlgorithm)
	setString(&config.AdminToken, c.AdminToken)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.LogLevel, c.LogLevel)

	if c.AccessTokenValidityDuration != nil {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.RefreshTokenValidityDuration != nil {
		config.RefreshTokenValidityDuration = c.RefreshTokenValidityDuration.Duration
	}
	if c.PilotSecretValidityDuration != nil {
		config.PilotSecretValidityDuration = c.PilotSecretValidityDuration.Duration
	}
	if c.LoginFailureWindow != nil {
		config.LoginFailureWindow = c.LoginFailureWindow.Duration
	}
	if c.LoginMaxFailures != nil {
		config.LoginMaxFailures = *c.LoginMaxFailures
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
