package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration on stdin.
func RunSetupWizard(cfg *Config) error {
	return runSetupWizard(cfg, bufio.NewReader(os.Stdin), os.Stdout)
}

func runSetupWizard(cfg *Config, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          Courier - First Run Setup           ║")
	fmt.Fprintln(out, "╠══════════════════════════════════════════════╣")
	fmt.Fprintln(out, "║  Let's configure the transfer service.       ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	cfg.mu.Lock()
	t := &cfg.Transfer
	app := &cfg.ApplicationData

	fmt.Fprintln(out, "── Downloads ──")
	t.DownloadDirectory = promptString(reader, out, "Download directory", defaultDownloadDir())
	t.MaxConcurrent = promptInt(reader, out, "Maximum concurrent transfers", t.MaxConcurrent)
	t.RequestTimeoutSec = promptInt(reader, out, "Request timeout (seconds)", t.RequestTimeoutSec)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── FTP ──")
	t.FTPUser = promptString(reader, out, "Default FTP user", t.FTPUser)
	if pw := promptPassword(reader, out, "Default FTP password (blank keeps current)"); pw != "" {
		t.FTPPassword = pw
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Patching ──")
	app.Patch.Enabled = promptBool(reader, out, "Check a patch manifest", app.Patch.Enabled)
	if app.Patch.Enabled {
		app.Patch.ManifestURL = promptString(reader, out, "Patch manifest URL (http://...)", app.Patch.ManifestURL)
		app.Patch.CurrentVersion = promptString(reader, out, "Installed version", app.Patch.CurrentVersion)
		app.Patch.AutoDownload = promptBool(reader, out, "Download new patch files automatically", app.Patch.AutoDownload)
		if app.Patch.OS == "" {
			app.Patch.OS = runtime.GOOS
		}
		if app.Patch.Arch == "" {
			app.Patch.Arch = runtime.GOARCH
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Webadmin ──")
	app.WebAdmin.Enabled = promptBool(reader, out, "Enable webadmin", app.WebAdmin.Enabled)
	if app.WebAdmin.Enabled {
		app.WebAdmin.Port = promptInt(reader, out, "Webadmin port", app.WebAdmin.Port)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Notifications ──")
	app.Notify.WebhookURL = promptString(reader, out, "Admin webhook URL (blank to disable)", app.Notify.WebhookURL)
	app.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", app.MQTT.BrokerURL)
	}
	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return runSetupWizard(cfg, reader, out)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)

	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptPassword(reader *bufio.Reader, out io.Writer, prompt string) string {
	fmt.Fprintf(out, "  %s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}

func defaultDownloadDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "courier", "downloads")
	}
	return "/var/lib/courier/downloads"
}
