package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/cirno/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config with defaults")
}

func runInit(_ *cobra.Command, _ []string) error {
	path := cfgPath()

	if _, err := os.Stat(path); err == nil && !initForce {
		// Refresh: keeps existing values and adds keys introduced since.
		existing, err := config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.Save(existing, path); err != nil {
			return err
		}
		fmt.Printf("✓ Config refreshed at %s\n", path)
	} else {
		cfg := config.DefaultConfig()
		if err := config.Save(&cfg, path); err != nil {
			return err
		}
		fmt.Printf("✓ Created config at %s\n", path)
	}

	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("\n%s cirno is ready!\n\n", logo)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Set engine.apiKey and engine.model in %s (or %s)\n", path, config.EnvEngineAPIKey)
	fmt.Println("  2. Enable a channel under channels:, e.g. onebot for NapCat")
	fmt.Println("  3. Try it locally: cirno chat -m \"hello\"")
	fmt.Println("  4. Run: cirno gateway")
	return nil
}
