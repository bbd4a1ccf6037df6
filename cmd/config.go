package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

var secretKeys = []string{"net2.password", "mqtt.password"}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",

	RunE: func(cmd *cobra.Command, args []string) error {
		return writeConfig(viper.GetViper())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func writeConfig(v *viper.Viper) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()

	return enc.Encode(redactSettings(v.AllSettings()))
}

// redactSettings blanks out the secrets in a viper settings tree, in place
func redactSettings(settings map[string]interface{}) map[string]interface{} {
	for _, key := range secretKeys {
		parts := strings.Split(key, ".")

		m := settings
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]interface{})
			if !ok {
				m = nil
				break
			}
			m = next
		}

		leaf := parts[len(parts)-1]
		if m != nil {
			if s, ok := m[leaf].(string); ok && s != "" {
				m[leaf] = redacted
			}
		}
	}

	return settings
}
