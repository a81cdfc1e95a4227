package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"bridge-rotation/internal/config"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "rotator",
	Short:         "Bridge rotation engine for a single exchange account",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets, skipped when missing")
	rootCmd.AddCommand(newRunCmd(), newKlinesCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err.Error())
	}
}

// loadConfig reads the dotenv file before the YAML so ROTATOR_* secrets can
// override what the file holds.
func loadConfig() (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return config.Load(configPath)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
