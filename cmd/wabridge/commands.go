package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawinfra/wabridge/internal/config"
	"github.com/clawinfra/wabridge/internal/security"
	"github.com/clawinfra/wabridge/internal/session"
	"github.com/clawinfra/wabridge/internal/whatsapp"
)

const redacted = "********"

// readConfig loads the config without the checks only serve needs.
func (c *cli) readConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *cli) logoutCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Unlink the stored session from the phone",
		Long: "Connects with the stored credentials and logs the device out, so the next\n" +
			"serve starts a fresh pairing. Stop a running bridge first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.readConfig()
			if err != nil {
				return err
			}
			logger, _ := newLogger(c.stderr, cfg.Server.LogLevel)

			driver := whatsapp.New(whatsapp.Options{
				StorePath:      storePath(cfg),
				DeviceName:     cfg.Session.DeviceName,
				ClientLogLevel: cfg.Session.ClientLogLevel,
			}, logger)

			ctx := cmd.Context()
			paired, err := driver.HasCredentials(ctx)
			if err != nil {
				return fmt.Errorf("read credential store: %w", err)
			}
			if !paired {
				fmt.Fprintf(c.stdout, "No stored credentials for session %q\n", cfg.Session.Name)
				return nil
			}

			mgr := session.NewManager(cfg.Session.Name, driver, logger)
			initCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := mgr.Initialize(initCtx); err != nil {
				_ = mgr.Close()
				return fmt.Errorf("connect session: %w", err)
			}
			if err := mgr.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Session %q logged out\n", cfg.Session.Name)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the session to connect")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a control API token signed with server.jwtSecret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.readConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwtSecret is not set; the control API is running without auth")
			}
			if subject == "" {
				subject = role
			}
			token, err := security.GenerateToken(subject, role, []byte(cfg.Server.JWTSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", security.RoleOrchestrator,
		"token role: "+strings.Join(security.ValidRoles, ", "))
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to the role)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime; 0 issues a token without expiry")
	return cmd
}

func (c *cli) serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove wabridge as a system service",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install a systemd unit (Linux) or launchd agent (macOS) that restarts on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := c.serviceSpec()
			if err != nil {
				return err
			}
			switch runtime.GOOS {
			case "linux":
				return c.installSystemd(spec)
			case "darwin":
				return c.installLaunchd(spec)
			default:
				return fmt.Errorf("service install is not supported on %s", runtime.GOOS)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the installed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.readConfig()
			if err != nil {
				return err
			}
			name := serviceName(cfg.Session.Name)
			switch runtime.GOOS {
			case "linux":
				return c.uninstallSystemd(name)
			case "darwin":
				return c.uninstallLaunchd(name)
			default:
				return fmt.Errorf("service uninstall is not supported on %s", runtime.GOOS)
			}
		},
	})
	return cmd
}

// serviceName gives each session its own unit so several can run side by side.
func serviceName(sessionName string) string {
	if sessionName == "" || sessionName == "default" {
		return "wabridge"
	}
	return "wabridge-" + sessionName
}

func (c *cli) serviceSpec() (serviceSpec, error) {
	if c.configPath == "" {
		return serviceSpec{}, errors.New("service install needs --config; services do not inherit your shell environment")
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return serviceSpec{}, err
	}

	execPath, err := os.Executable()
	if err != nil {
		return serviceSpec{}, fmt.Errorf("get executable path: %w", err)
	}
	execPath, _ = filepath.Abs(execPath)

	workDir, err := os.Getwd()
	if err != nil {
		return serviceSpec{}, fmt.Errorf("get working directory: %w", err)
	}
	configPath, _ := filepath.Abs(c.configPath)
	dataDir, _ := filepath.Abs(cfg.Server.DataDir)

	return serviceSpec{
		Name:       serviceName(cfg.Session.Name),
		Session:    cfg.Session.Name,
		WorkDir:    workDir,
		ExecPath:   execPath,
		ConfigPath: configPath,
		DataDir:    dataDir,
		LogDir:     filepath.Join(dataDir, "logs"),
	}, nil
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default JSON config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "wabridge.json"
			}
			if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
				return fmt.Errorf("config init writes JSON, got %q", ext)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Config written to %s\n", path)
			fmt.Fprintln(c.stdout, "Set relay.orchestratorUrl before running serve.")
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.readConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = redacted
			}
			if cfg.MQTT.Password != "" {
				cfg.MQTT.Password = redacted
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(c.stdout, string(data))
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(c.stderr, "Warning: %v\n", err)
			}
			return nil
		},
	})
	return cmd
}
