package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowbase/flowbase/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print resolved configuration",
	Long: `Load and print the resolved flowbase configuration as TOML.
Shows the result of merging defaults, flowbase.toml, .env, environment variables, and flags.`,
	RunE: runConfig,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long: `Get a specific configuration value by dotted key path.
Examples: server.port, database.url, upgrade.batch_size, upgrade.constraint_mode`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in flowbase.toml",
	Long: `Set a configuration value in the flowbase.toml config file.
Creates the file if it doesn't exist.
Examples:
  flowbase config set server.port 3000
  flowbase config set upgrade.constraint_mode deferred
  flowbase config set database.url postgresql://localhost:5432/flowbase`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a commented default flowbase.toml",
	RunE:  runConfigGenerate,
}

func init() {
	for _, c := range []*cobra.Command{configCmd, configGetCmd, configSetCmd, configGenerateCmd} {
		c.Flags().String("config", "", "Path to flowbase.toml config file")
	}
	configGenerateCmd.Flags().Bool("overwrite", false, "Replace an existing file")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGenerateCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	jsonOut, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(cfg)
	}

	out, err := cfg.ToTOML()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	fmt.Print(out)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	value, err := config.GetValue(cfg, args[0])
	if err != nil {
		return err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"key": args[0], "value": value})
	}

	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	key := args[0]
	value := args[1]

	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	if err := config.SetValue(configPath, key, value); err != nil {
		return fmt.Errorf("setting config value: %w", err)
	}

	fmt.Printf("%s = %s\n", key, value)
	fmt.Printf("Written to %s\n", configPath)

	// Only warn: values are often set one at a time.
	if _, err := config.Load(configPath, nil); err != nil {
		parts := strings.SplitN(err.Error(), ": ", 2)
		fmt.Fprintf(os.Stderr, "Note: %s\n", parts[len(parts)-1])
	}

	return nil
}

func runConfigGenerate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	overwrite, _ := cmd.Flags().GetBool("overwrite")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	if _, err := os.Stat(configPath); err == nil && !overwrite {
		return fmt.Errorf("%s already exists (use --overwrite to replace it)", configPath)
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}
