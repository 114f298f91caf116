package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration, reading
// answers from in and writing prompts to out. The result is validated and
// saved, then SERVER_KEY and PORT are applied on top again.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║            crss - First Run Setup            ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "── Game Servers ──")

	fileKey := cfg.FileServerKey()

	cfg.mu.Lock()
	cfg.ServerKey = promptString(reader, out, "Server key (shared with the game servers)", fileKey)

	var servers []ServerEntry
	for i := 0; ; i++ {
		def := ""
		if i < len(cfg.Servers) {
			def = cfg.Servers[i].ID
		}
		id := promptString(reader, out, fmt.Sprintf("Server #%d id (blank to finish)", i+1), def)
		if id == "" {
			break
		}
		defAddr := "localhost:25580"
		if i < len(cfg.Servers) && cfg.Servers[i].Address != "" {
			defAddr = cfg.Servers[i].Address
		}
		addr := promptString(reader, out, fmt.Sprintf("Server %q address", id), defAddr)
		servers = append(servers, ServerEntry{ID: id, Address: addr})
	}
	if len(servers) > 0 {
		cfg.Servers = servers
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── REST API ──")

	cfg.API.Port = promptInt(reader, out, "API port", cfg.API.Port)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")

	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "Broker URL", cfg.MQTT.BrokerURL)
	}
	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	cfg.applyEnv()

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
