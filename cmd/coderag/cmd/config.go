package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Print the resolved configuration for a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			root, err := config.FindProjectRoot(absDir)
			if err != nil {
				root = absDir
			}
			cfg, err := config.Load(root)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a project config file with the resolved defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			cfg, err := config.Load(absDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			target := filepath.Join(absDir, ".amanmcp.yaml")
			if _, statErr := os.Stat(target); statErr == nil {
				return fmt.Errorf("%s already exists", target)
			}
			if err := cfg.WriteYAML(target); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			output.New(cmd.OutOrStdout()).Success(fmt.Sprintf("Wrote %s", target))
			return nil
		},
	}
	return cmd
}
