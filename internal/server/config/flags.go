package config

import (
	"flag"
	"time"

	"github.com/diracgrid/pilotauth/internal/flagx"
)

var knownFlags = []string{"-a", "-g", "-d", "-s", "-i", "-t", "-r", "-x", "-H", "-k", "-R", "-m", "-w", "-l"}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8000")
//	-g string   gRPC health bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-i string   token issuer
//	-t int      access token validity, minutes
//	-r int      refresh token validity, minutes
//	-x int      pilot secret validity, seconds
//	-H string   secret hash algorithm
//	-k string   admin bearer token for pilot registration
//	-R string   Redis address for login throttling
//	-m int      failed logins allowed per window
//	-w int      failure window, minutes
//	-l string   log level
//
// Unknown arguments are filtered out with flagx.FilterArgs first, so -c and
// flags of other components do not collide. Malformed values panic.
func parseFlags(config *Config, argv []string) {
	args := flagx.FilterArgs(argv, knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.EndpointAddrGRPC, "g", config.EndpointAddrGRPC, "gRPC health address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.TokenIssuer, "i", config.TokenIssuer, "token issuer")

	accessTokenValidity := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access token validity (in minutes)")
	refreshTokenValidity := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh token validity (in minutes)")
	pilotSecretValidity := fs.Int("x", int(config.PilotSecretValidityDuration.Seconds()), "pilot secret validity (in seconds)")

	fs.StringVar(&config.SecretHashAlgorithm, "H", config.SecretHashAlgorithm, "secret hash algorithm (sha256, blake2b, blake3)")
	fs.StringVar(&config.AdminToken, "k", config.AdminToken, "admin token")
	fs.StringVar(&config.RedisAddr, "R", config.RedisAddr, "redis address for login throttling")
	fs.IntVar(&config.LoginMaxFailures, "m", config.LoginMaxFailures, "failed logins allowed per window")
	loginFailureWindow := fs.Int("w", int(config.LoginFailureWindow.Minutes()), "failed login window (in minutes)")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidity) * time.Minute
	config.RefreshTokenValidityDuration = time.Duration(*refreshTokenValidity) * time.Minute
	config.PilotSecretValidityDuration = time.Duration(*pilotSecretValidity) * time.Second
	config.LoginFailureWindow = time.Duration(*loginFailureWindow) * time.Minute
}
