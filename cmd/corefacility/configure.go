package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/corefacility/corefacility/pkg/config"
)

type configureOptions struct {
	output     string
	rotateKey  bool
	settings   map[string]string
	showValues bool
}

// configDefaults are written for keys the file does not carry yet
var configDefaults = map[string]string{
	"CORE_PROFILE":          string(config.VirtualServer),
	"CORE_DB_DRIVER":        "postgres",
	"CORE_DB_DSN":           "postgres://corefacility@localhost/corefacility?sslmode=disable",
	"CORE_MEDIA_BACKEND":    "filesystem",
	"CORE_MEDIA_ROOT":       "/var/lib/corefacility/media",
	"CORE_PROJECT_BASEDIR":  "/home/corefacility/projects",
	"CORE_UNIX_HOME_DIR":    "/home",
	"CORE_EMAIL_SUPPORT":    "false",
	"CORE_LOG_LEVEL":        "info",
	"CORE_HEALTH_SCHEDULE":  "@every 1m",
	"CORE_AUTH_TOKEN_TTL":   "24h",
	"CORE_ACTIVATION_TTL":   "72h",
	"CORE_REQUEST_TIMEOUT":  "50s",
	"CORE_MAX_UPLOAD_SIZE":  "67108864",
	"CORE_LOGIN_RATE_LIMIT": "10",
}

func newConfigureCommand() *cobra.Command {
	opts := &configureOptions{}
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write the configuration file with defaults and a signing key",
		Long: `configure creates or completes the YAML configuration file. Keys already
present are kept; a signing key is generated unless one exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigure(cmd, opts)
		},
	}
	output := os.Getenv("CORE_CONFIG_FILE")
	if output == "" {
		output = "corefacility.yaml"
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", output, "configuration file to write")
	cmd.Flags().BoolVar(&opts.rotateKey, "rotate-key", false, "replace the signing key; issued tokens stop working")
	cmd.Flags().StringToStringVar(&opts.settings, "set", nil, "CORE_* key to set, e.g. --set CORE_PROFILE=full_server")
	cmd.Flags().BoolVar(&opts.showValues, "print", false, "print the resulting settings")
	return cmd
}

func runConfigure(cmd *cobra.Command, opts *configureOptions) error {
	values := map[string]string{}
	if _, err := os.Stat(opts.output); err == nil {
		existing, err := config.ReadFile(opts.output)
		if err != nil {
			return err
		}
		values = existing
	}

	for key, value := range configDefaults {
		if _, ok := values[key]; !ok {
			values[key] = value
		}
	}
	for key, value := range opts.settings {
		values[key] = value
	}
	if values["CORE_SECRET_KEY"] == "" || opts.rotateKey {
		key, err := newSigningKey()
		if err != nil {
			return err
		}
		values["CORE_SECRET_KEY"] = key
	}

	if err := config.WriteFile(opts.output, values); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", opts.output)

	if opts.showValues {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := values[k]
			if k == "CORE_SECRET_KEY" {
				v = "********"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
		}
	}
	return nil
}

// newSigningKey returns 64 hex characters of randomness
func newSigningKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
