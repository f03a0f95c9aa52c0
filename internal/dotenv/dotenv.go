// Package dotenv loads KEY=VALUE files into the process environment so API
// keys can live next to the config file instead of the shell profile.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load applies each file in order. Missing files are skipped, variables
// already set in the environment win, and earlier files win over later ones.
// It returns the files that were read.
func Load(paths ...string) ([]string, error) {
	var loaded []string
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("open env file %q: %w", path, err)
		}
		values, err := Parse(file)
		file.Close()
		if err != nil {
			return loaded, fmt.Errorf("parse env file %q: %w", path, err)
		}
		for _, kv := range values {
			if _, exists := os.LookupEnv(kv.Key); exists {
				continue
			}
			if err := os.Setenv(kv.Key, kv.Value); err != nil {
				return loaded, fmt.Errorf("set env %q from %q: %w", kv.Key, path, err)
			}
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

// Var is one parsed assignment.
type Var struct {
	Key   string
	Value string
}

// Parse reads assignments in file order. Blank lines, # comments and an
// "export " prefix are accepted. Unquoted values end at " #"; double-quoted
// values understand \n, \t, \" and \\.
func Parse(r io.Reader) ([]Var, error) {
	var vars []Var
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: invalid key %q", lineNo, key)
		}
		val, err := parseValue(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		vars = append(vars, Var{Key: key, Value: val})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return vars, nil
}

func parseValue(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	switch raw[0] {
	case '\'':
		end := strings.IndexByte(raw[1:], '\'')
		if end < 0 {
			return "", errors.New("unterminated single quote")
		}
		return raw[1 : end+1], nil
	case '"':
		var b strings.Builder
		for i := 1; i < len(raw); i++ {
			c := raw[i]
			switch {
			case c == '"':
				return b.String(), nil
			case c == '\\' && i+1 < len(raw):
				i++
				switch raw[i] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				default:
					b.WriteByte(raw[i])
				}
			default:
				b.WriteByte(c)
			}
		}
		return "", errors.New("unterminated double quote")
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw), nil
}
