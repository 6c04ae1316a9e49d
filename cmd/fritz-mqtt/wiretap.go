package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/fritz-mqtt/internal/callmonitor"
)

var (
	wiretapOutDir   string
	wiretapSanitize string
)

var wiretapCmd = &cobra.Command{
	Use:   "wiretap",
	Short: "Capture raw call-monitor lines to a file",
	Long: `wiretap connects to the call-monitor port and writes every line it
receives to a timestamped capture file, for use as a test fixture.
With --sanitize it instead redacts phone numbers in an existing capture.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if wiretapSanitize != "" {
			if err := sanitizeFile(wiretapSanitize); err != nil {
				return fmt.Errorf("sanitize: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sanitized:", wiretapSanitize)
			return nil
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return capture(cmd, cfg.FritzBox.MonitorAddr(), wiretapOutDir)
	},
}

func init() {
	wiretapCmd.Flags().StringVar(&wiretapOutDir, "outdir", "testdata/captures", "Output directory for captures")
	wiretapCmd.Flags().StringVar(&wiretapSanitize, "sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
}

func capture(cmd *cobra.Command, addr, outDir string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(out, "writing to %s\n", filename)
	fmt.Fprintln(out, "streaming lines (ctrl+c to stop)...")

	s := callmonitor.NewScanner(conn)
	for {
		line, ok := s.Next()
		if !ok {
			break
		}
		if _, err := fmt.Fprintln(f, line); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if _, err := callmonitor.Parse(line); err != nil {
			fmt.Fprintf(out, "warning: %v\n", err)
		}
	}
	return s.Err()
}

// phonePattern matches anything long enough to be a phone number; the
// timestamp, connection id and durations are shorter digit runs.
var phonePattern = regexp.MustCompile(`\+?\d{5,}`)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, []byte(sanitize(string(data))), 0o644)
}

// sanitize redacts phone numbers while keeping their length, so fixtures
// still exercise prefix handling.
func sanitize(data string) string {
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		lines[i] = phonePattern.ReplaceAllStringFunc(line, func(n string) string {
			lead := ""
			if strings.HasPrefix(n, "+") {
				lead, n = "+", n[1:]
			}
			return lead + n[:2] + strings.Repeat("5", len(n)-2)
		})
	}
	return strings.Join(lines, "\n")
}
