package cli

import (
	"fmt"
	"io"

	"github.com/soyeahso/docchat/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const masked = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration values",
	}

	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigUnsetCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigValidateCmd())

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	var effective, reveal bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Long: "Print a value from the config file. With --effective the value comes from\n" +
			"the merged config the server would run with, defaults and environment included.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ParseConfigPath(args[0])
			if err != nil {
				return err
			}

			var raw map[string]any
			if effective {
				cfg, err := loadedConfig()
				if err != nil {
					return err
				}
				raw, err = toRaw(cfg)
				if err != nil {
					return err
				}
			} else if raw, err = config.LoadRaw(paths.Config); err != nil {
				return err
			}

			val, ok := config.GetValueAtPath(raw, path)
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			if !reveal {
				val = maskSecrets(path, val)
			}
			return printValue(cmd.OutOrStdout(), val)
		},
	}
	cmd.Flags().BoolVar(&effective, "effective", false, "read the merged config instead of the file")
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print credentials instead of masking them")
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: "Set a value in the config file. The value is parsed as YAML, so numbers and\n" +
			"booleans keep their type. The edit is refused if it makes the config invalid.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ParseConfigPath(args[0])
			if err != nil {
				return err
			}

			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				return err
			}

			value := parseValue(args[1])
			config.SetValueAtPath(raw, path, value)

			if !force {
				if err := checkRaw(cmd.ErrOrStderr(), raw); err != nil {
					return err
				}
			}
			if err := config.SaveRaw(paths.Config, raw); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", args[0], maskSecrets(path, value))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "save even if the result does not validate")
	return cmd
}

func newConfigUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ParseConfigPath(args[0])
			if err != nil {
				return err
			}

			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				return err
			}
			if !config.UnsetValueAtPath(raw, path) {
				return fmt.Errorf("key %q not found", args[0])
			}
			if err := config.SaveRaw(paths.Config, raw); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", args[0])
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), paths.Config)
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration for errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			issues := config.Validate(&cfg)
			for _, issue := range issues {
				fmt.Fprintln(cmd.OutOrStdout(), issue.String())
			}
			if len(issues) > 0 {
				return fmt.Errorf("%d validation issue(s)", len(issues))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
}

// checkRaw validates an edited config file before it is saved.
func checkRaw(w io.Writer, raw map[string]any) error {
	cfg, err := config.Decode(raw)
	if err != nil {
		return err
	}
	issues := config.Validate(&cfg)
	for _, issue := range issues {
		fmt.Fprintln(w, issue.String())
	}
	if len(issues) > 0 {
		return fmt.Errorf("not saved: %d validation issue(s), use --force to save anyway", len(issues))
	}
	return nil
}

// toRaw renders a Config as the nested map the path helpers work on.
func toRaw(cfg config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// maskSecrets hides credential values under path.
func maskSecrets(path []string, v any) any {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, sub := range m {
			out[k] = maskSecrets(append(path[:len(path):len(path)], k), sub)
		}
		return out
	}
	if s, ok := v.(string); ok && s != "" && config.IsSecretPath(path) {
		return masked
	}
	return v
}

func printValue(w io.Writer, v any) error {
	switch v.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		_, err := fmt.Fprintln(w, v)
		return err
	}
}

// parseValue reads a command-line value as a YAML scalar or sequence, so
// "8" is an int and "[a, b]" a list. Anything unparsable stays a string.
func parseValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	if _, ok := v.(map[string]any); ok {
		return s
	}
	return v
}
