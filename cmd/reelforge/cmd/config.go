package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/reelforge/internal/config"
)

const redacted = "[REDACTED]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting reelforge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the configuration reelforge would run with, in YAML format.

Values come from built-in defaults, the config file and the environment,
in increasing order of precedence. Secrets are redacted.

  reelforge config dump > config.yaml

Environment variables use the REELFORGE_ prefix and underscores for nesting.
Example: render.max_concurrency -> REELFORGE_RENDER_MAX_CONCURRENCY`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and sizes in their human-readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = humanize.IBytes(uint64(v))
		case string:
			if isSecretKey(key) && v != "" {
				result[key] = redacted
			} else {
				result[key] = v
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func isSecretKey(key string) bool {
	return strings.Contains(key, "secret") || strings.Contains(key, "password")
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# reelforge configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 2h")
	fmt.Fprintln(out, "# Size format: 500MB, 2GiB")
	fmt.Fprintln(out, "# Cron format: seconds minutes hours day-of-month month day-of-week")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))
	return nil
}
