package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// KeepAlive/SuccessfulExit=false restarts on exit status 2 but not after a
// clean shutdown.
const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.ExecPath}}</string>
		<string>serve</string>
		<string>--config</string>
		<string>{{.ConfigPath}}</string>
	</array>
	<key>WorkingDirectory</key>
	<string>{{.WorkDir}}</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>StandardOutPath</key>
	<string>{{.LogDir}}/{{.Name}}.log</string>
	<key>StandardErrorPath</key>
	<string>{{.LogDir}}/{{.Name}}.error.log</string>
	<key>ProcessType</key>
	<string>Background</string>
	<key>ThrottleInterval</key>
	<integer>5</integer>
</dict>
</plist>
`

var launchdTmpl = template.Must(template.New("launchd").Parse(launchdPlistTemplate))

func renderLaunchd(w io.Writer, spec serviceSpec) error {
	return launchdTmpl.Execute(w, spec)
}

func launchdLabel(name string) string {
	return "com.clawinfra." + name
}

func launchdPlistPath(label string) string {
	if os.Geteuid() == 0 {
		return filepath.Join("/Library/LaunchDaemons", label+".plist")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", label+".plist")
}

func (c *cli) installLaunchd(spec serviceSpec) error {
	spec.Label = launchdLabel(spec.Name)
	if err := os.MkdirAll(spec.LogDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	plistPath := launchdPlistPath(spec.Label)
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create plist dir: %w", err)
	}

	f, err := os.Create(plistPath)
	if err != nil {
		return fmt.Errorf("create plist: %w", err)
	}
	if err := renderLaunchd(f, spec); err != nil {
		f.Close()
		return fmt.Errorf("write plist: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	fmt.Fprintf(c.stdout, "Launchd plist installed: %s\n", plistPath)

	if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
		fmt.Fprintf(c.stderr, "Warning: launchctl load failed: %v\n", err)
		fmt.Fprintf(c.stdout, "  Load it manually: launchctl load %s\n", plistPath)
	}
	fmt.Fprintf(c.stdout, "Logs: %s/%s.log\n", spec.LogDir, spec.Name)
	return nil
}

func (c *cli) uninstallLaunchd(name string) error {
	plistPath := launchdPlistPath(launchdLabel(name))

	_ = exec.Command("launchctl", "unload", plistPath).Run()

	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Fprintf(c.stdout, "Launchd service %s uninstalled\n", name)
	return nil
}
