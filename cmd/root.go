package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/optimizer"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	LOGO = `      _            _                 _
   __| | ___   ___| | _____  _ __ | |_
  / _` + "`" + ` |/ _ \ / __| |/ / _ \| '_ \| __|
 | (_| | (_) | (__|   < (_) | |_) | |_
  \__,_|\___/ \___|_|\_\___/| .__/ \__|
                            |_|

`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dockopt",
	Short: "Find, optimize and publish Dockerfile improvements across a repository.",
	Long: LOGO + `dockopt scans a repository for Dockerfiles, asks the optimizer service for a
leaner and safer version of each one, and opens pull requests with the results,
either directly or after a reviewer approves them through a consent link.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dockopt.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().String("server", "", "Optimizer API base URL (default from server.url)")
	rootCmd.PersistentFlags().String("dbpath", "", "Path to the publish history DB (default: ~/.config/dockopt/history.sqlite)")
	rootCmd.PersistentFlags().Bool("no-history", false, "Do not record publish outcomes")

	viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("history.dbpath", rootCmd.PersistentFlags().Lookup("dbpath"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// Defaults come first so a freshly written config file lists every key.
	viper.SetDefault("server.url", "http://127.0.0.1:8000/api")
	viper.SetDefault("server.timeout", "120s")
	viper.SetDefault("server.max_response_bytes", optimizer.DefaultMaxResponseBytes)
	viper.SetDefault("github.token", "")
	viper.SetDefault("publish.reference_prefix", "https://github.com")
	viper.SetDefault("review.base_url", "http://127.0.0.1:5173/review")
	viper.SetDefault("history.dbpath", "")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".dockopt")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DOCKOPT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.dockopt.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				utils.Log.Debugf("Could not create config file: %s", err)
			}
		} else {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	if err := utils.SetLogLevel(levelString); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
