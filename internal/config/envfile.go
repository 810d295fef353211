package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvFileVar names an extra env file read before every other candidate.
const EnvFileVar = "WAGATE_ENV_FILE"

// EnvFile reports what one env file contributed.
type EnvFile struct {
	Path    string
	Applied []string
	// Malformed holds the 1-based numbers of lines that were not KEY=VALUE.
	Malformed []int
}

// envFileCandidates lists the env files in precedence order: $WAGATE_ENV_FILE,
// then $XDG_CONFIG_HOME/wagate/env (or ~/.config/wagate/env), then
// {home}/.wagate/env and {home}/.wagate/.env, where home honours WAGATE_HOME.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv(EnvFileVar)); explicit != "" {
		if p, err := ExpandHome(explicit); err == nil {
			out = append(out, p)
		}
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		out = append(out, filepath.Join(xdg, "wagate", "env"))
	} else if base, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(base, ".config", "wagate", "env"))
	}
	if home, err := resolveHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}

	seen := make(map[string]struct{}, len(out))
	uniq := out[:0]
	for _, p := range out {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}
	return uniq
}

// LoadEnvFiles applies every existing env file candidate to the process
// environment. Variables already set win, so the process env beats the first
// file, which beats later files.
func LoadEnvFiles() []EnvFile {
	var loaded []EnvFile
	for _, path := range envFileCandidates() {
		res, err := applyEnvFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("config: reading env file failed", "path", path, "error", err)
			}
			continue
		}
		if len(res.Malformed) > 0 {
			slog.Warn("config: skipped malformed env file lines", "path", path, "lines", res.Malformed)
		}
		slog.Debug("config: env file loaded", "path", path, "applied", len(res.Applied))
		loaded = append(loaded, res)
	}
	return loaded
}

func applyEnvFile(path string) (EnvFile, error) {
	res := EnvFile{Path: path}
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		key, val, ok, err := parseEnvLine(sc.Text())
		if err != nil {
			res.Malformed = append(res.Malformed, n)
			continue
		}
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return res, fmt.Errorf("line %d: %w", n, err)
		}
		res.Applied = append(res.Applied, key)
	}
	return res, sc.Err()
}

// parseEnvLine parses one KEY=VALUE line. ok is false for blank and comment
// lines. Double-quoted values are unescaped; single-quoted values are taken
// literally; unquoted values end at " #".
func parseEnvLine(line string) (key, val string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	k, v, found := strings.Cut(line, "=")
	k = strings.TrimSpace(k)
	if !found || !validEnvKey(k) {
		return "", "", false, fmt.Errorf("not KEY=VALUE")
	}
	v = strings.TrimSpace(v)

	switch {
	case len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"':
		unq, err := strconv.Unquote(v)
		if err != nil {
			return "", "", false, err
		}
		v = unq
	case len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'':
		v = v[1 : len(v)-1]
	default:
		if i := strings.Index(v, " #"); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
	}
	return k, v, true, nil
}

func validEnvKey(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
