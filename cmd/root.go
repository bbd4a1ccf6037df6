package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

var _rootCmdOpts struct {
	cfgFile  string
	logLevel string
	logFile  string
	logJSON  bool
}

var rootCmd = &cobra.Command{
	Use:   "net2-doors",
	Short: "Bridge Paxton Net2 doors to home automation",
	Long: `net2-doors keeps a session with a Paxton Net2 server, follows its
event hub and publishes a debounced status for each configured door.`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.cfgFile, "config", "", "config file (default is $HOME/.net2-doors.yaml)")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.logFile, "log-file", "stderr", "log destination: stderr, stdout or a file path")
	rootCmd.PersistentFlags().BoolVar(&_rootCmdOpts.logJSON, "log-json", false, "log in JSON format")

	rootCmd.PersistentFlags().String("host", "", "Net2 server host name, or the full API URL")
	rootCmd.PersistentFlags().Int("port", 8443, "Net2 server port")
	rootCmd.PersistentFlags().String("username", "", "Net2 operator user name")
	rootCmd.PersistentFlags().String("password", "", "Net2 operator password")
	rootCmd.PersistentFlags().String("client-id", "", "Net2 API client ID (licence key)")
	rootCmd.PersistentFlags().Bool("tls-verify", true, "verify the Net2 server certificate")
	rootCmd.PersistentFlags().Duration("api-timeout", defaultAPITimeout, "maximum duration of a Net2 API call, eg. 1m or 10s")

	errPanic(viper.GetViper().BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level")))
	errPanic(viper.GetViper().BindPFlag("logging.location", rootCmd.PersistentFlags().Lookup("log-file")))
	errPanic(viper.GetViper().BindPFlag("net2.host", rootCmd.PersistentFlags().Lookup("host")))
	errPanic(viper.GetViper().BindPFlag("net2.port", rootCmd.PersistentFlags().Lookup("port")))
	errPanic(viper.GetViper().BindPFlag("net2.username", rootCmd.PersistentFlags().Lookup("username")))
	errPanic(viper.GetViper().BindPFlag("net2.password", rootCmd.PersistentFlags().Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("net2.client-id", rootCmd.PersistentFlags().Lookup("client-id")))
	errPanic(viper.GetViper().BindPFlag("net2.tls-verify", rootCmd.PersistentFlags().Lookup("tls-verify")))
	errPanic(viper.GetViper().BindPFlag("net2.api-timeout", rootCmd.PersistentFlags().Lookup("api-timeout")))
}

func initConfig() {
	if _rootCmdOpts.logJSON {
		viper.Set("logging.format", "json")
	}

	if _rootCmdOpts.cfgFile != "" {
		viper.SetConfigFile(_rootCmdOpts.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".net2-doors")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("NET2")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Logger(nil).Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _rootCmdOpts.cfgFile != "" {
		fmt.Fprintf(os.Stderr, "reading config %s: %v\n", _rootCmdOpts.cfgFile, err)
		os.Exit(1)
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) || viper.GetString(f) == "" {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}
