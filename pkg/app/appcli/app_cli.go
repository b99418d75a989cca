package appcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mayanksuman/projecteur/pkg/app"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "projecteur"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type appProvider func() *app.App

func NewRootCmd(configDir string) *cobra.Command {
	cfg := app.Config{
		DataDir:        filepath.Join(configDir, "data"),
		SettingsConfig: filepath.Join(configDir, "settings.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "projecteur",
		Short: "Projecteur device daemon",
		Long:  `The Projecteur daemon connects Logitech Spotlight presenter remotes, forwards their input and maps recorded button gestures to actions.`,
	}
	var a *app.App
	appProvider := func() *app.App {
		return a
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.SettingsConfig, "settings-config", cfg.SettingsConfig, "settings file")
	rootCmd.PersistentFlags().BoolVar(&cfg.DisableUinput, "no-uinput", cfg.DisableUinput, "do not create a virtual forwarding device")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = app.NewApp(cfg)
		return err
	}
	rootCmd.AddCommand(NewRun(appProvider))
	rootCmd.AddCommand(NewScan(appProvider))
	rootCmd.AddCommand(NewListDevices(appProvider))
	return rootCmd
}

func NewRun(app appProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the Projecteur daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app().Run(cmd.Context())
		},
	}
}

func NewScan(app appProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan for supported devices",
		Long:  `Scan the HID device tree for supported devices and print what was found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := app().Devices().Scan()
			jsonB, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewListDevices(app appProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List known devices",
		Long:  `List every device this daemon has ever connected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := app().Devices().SeenDevices()
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}
