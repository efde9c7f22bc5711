// Package config loads corefacility settings from the environment.
//
// # Sources
//
// Values are resolved in this order:
//
//  1. process environment
//  2. a .env file (CORE_ENV_FILE, default ./.env) applied without overriding
//  3. a YAML file of CORE_* keys named by CORE_CONFIG_FILE
//  4. built-in defaults
//
// The `corefacility configure` command writes the YAML file.
//
// # Common settings
//
//	CORE_PROFILE="virtual_server"  # virtual_server, part_server, full_server
//	CORE_SECRET_KEY="..."          # at least 32 characters
//	CORE_DB_DRIVER="postgres"      # postgres, sqlite3
//	CORE_DB_DSN="postgres://corefacility@localhost/corefacility"
//	CORE_MEDIA_BACKEND="filesystem" # filesystem, s3
//	CORE_REDIS_URL="redis://localhost:6379/0"
//	CORE_LOG_LEVEL="info"
//
// # Profiles
//
// The profile decides how POSIX administration is done, see Profile.PosixMode.
package config
