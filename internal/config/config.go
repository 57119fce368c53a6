package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	AgentName    string
	AgentRole    string
	Capabilities []string

	ContextExport bool
	ContextPath   string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("COORDD_DATA_DIR", ".coordd")
	return Config{
		HTTPAddr: getEnv("COORDD_HTTP_ADDR", ":7430"),
		DataDir:  dataDir,
		DBPath:   getEnv("COORDD_DB_PATH", filepath.Join(dataDir, "coordd.db")),

		AgentName:    getEnv("COORDD_AGENT_NAME", ""),
		AgentRole:    getEnv("COORDD_AGENT_ROLE", "sub"),
		Capabilities: splitList(getEnv("COORDD_CAPABILITIES", "")),

		ContextExport: getEnv("COORDD_CONTEXT_EXPORT", "") == "1",
		ContextPath:   getEnv("COORDD_CONTEXT_PATH", filepath.Join(dataDir, "context.md")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
