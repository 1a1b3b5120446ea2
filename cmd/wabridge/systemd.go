package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// Restart=on-failure covers exit status 2 after a lost session.
const systemdUnitTemplate = `[Unit]
Description=wabridge WhatsApp bridge ({{.Session}})
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
{{- if .User}}
User={{.User}}
Group={{.Group}}
{{- end}}
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecPath}} serve --config {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ReadWritePaths={{.DataDir}}

[Install]
WantedBy={{.WantedBy}}
`

var systemdTmpl = template.Must(template.New("systemd").Parse(systemdUnitTemplate))

// serviceSpec is what both service managers need to know about the install.
type serviceSpec struct {
	Name       string // unit / label base name, one per session
	Session    string
	User       string
	Group      string
	WorkDir    string
	ExecPath   string
	ConfigPath string
	DataDir    string
	LogDir     string
	WantedBy   string
	Label      string
}

func renderSystemd(w io.Writer, spec serviceSpec) error {
	return systemdTmpl.Execute(w, spec)
}

func systemdUnitPath(name string, system bool) string {
	if system {
		return filepath.Join("/etc/systemd/system", name+".service")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", name+".service")
}

func systemctl(system bool, args ...string) *exec.Cmd {
	if !system {
		args = append([]string{"--user"}, args...)
	}
	return exec.Command("systemctl", args...)
}

func (c *cli) installSystemd(spec serviceSpec) error {
	system := os.Geteuid() == 0
	if system {
		// Run as the invoking user under sudo, otherwise as root.
		spec.User = os.Getenv("SUDO_USER")
		spec.Group = spec.User
		spec.WantedBy = "multi-user.target"
	} else {
		spec.WantedBy = "default.target"
	}

	unitPath := systemdUnitPath(spec.Name, system)
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}

	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("create unit file: %w", err)
	}
	if err := renderSystemd(f, spec); err != nil {
		f.Close()
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Fprintf(c.stdout, "Systemd unit installed: %s\n", unitPath)

	if err := systemctl(system, "daemon-reload").Run(); err != nil {
		fmt.Fprintf(c.stderr, "Warning: systemctl daemon-reload failed: %v\n", err)
	}

	ctl, journal := "systemctl --user", "journalctl --user"
	if system {
		ctl, journal = "sudo systemctl", "sudo journalctl"
	}
	fmt.Fprintln(c.stdout, "\nNext steps:")
	fmt.Fprintf(c.stdout, "  %s enable --now %s\n", ctl, spec.Name)
	fmt.Fprintf(c.stdout, "  %s -u %s -f   # scan the QR code on first start\n", journal, spec.Name)
	return nil
}

func (c *cli) uninstallSystemd(name string) error {
	system := os.Geteuid() == 0

	// Best effort; the unit may never have been started.
	_ = systemctl(system, "disable", "--now", name).Run()

	unitPath := systemdUnitPath(name, system)
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_ = systemctl(system, "daemon-reload").Run()

	fmt.Fprintf(c.stdout, "Systemd service %s uninstalled\n", name)
	return nil
}
