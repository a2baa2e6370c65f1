package config

import (
	"bufio"
	"os"
	"strings"

	"github.com/iago/research-agent/internal/errors"
)

// LoadDotEnv merges .env-style files into the process environment and
// returns the files that were read. Variables already set keep precedence;
// missing files are skipped.
func LoadDotEnv(paths ...string) ([]string, error) {
	loaded := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		entries, err := readDotEnvFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return loaded, errors.Wrapf(err, "load %s", path)
		}
		for _, entry := range entries {
			if _, exists := os.LookupEnv(entry.key); exists {
				continue
			}
			_ = os.Setenv(entry.key, entry.value)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

type dotEnvEntry struct {
	key   string
	value string
}

func readDotEnvFile(path string) ([]dotEnvEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []dotEnvEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if entry, ok := parseDotEnvLine(scanner.Text()); ok {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

func parseDotEnvLine(line string) (dotEnvEntry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return dotEnvEntry{}, false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return dotEnvEntry{}, false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return dotEnvEntry{}, false
	}
	return dotEnvEntry{key: key, value: parseDotEnvValue(value)}, true
}

func parseDotEnvValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) >= 2 {
		quote := trimmed[0]
		if (quote == '"' || quote == '\'') && trimmed[len(trimmed)-1] == quote {
			unquoted := trimmed[1 : len(trimmed)-1]
			if quote == '\'' {
				return unquoted
			}
			return strings.NewReplacer(
				`\\`, `\`,
				`\n`, "\n",
				`\t`, "\t",
				`\"`, `"`,
			).Replace(unquoted)
		}
	}

	// VALUE # comment
	if index := strings.Index(trimmed, " #"); index >= 0 {
		return strings.TrimSpace(trimmed[:index])
	}
	return trimmed
}
