package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// MirrorEntry names a private package host and the fingerprint of the
// signing key a fetch to it must authenticate with. Unlike a depot-style
// authorized-keys entry, a mirror entry carries no write permission: a
// resolver fetch token only ever proves "this caller holds the key with
// this fingerprint", not a grant to mutate anything at the mirror.
type MirrorEntry struct {
	Host        string
	Fingerprint string
	Comment     string
}

// MirrorConfig is the set of private mirrors a resolve is allowed to
// authenticate against, keyed by host.
type MirrorConfig struct {
	Entries []MirrorEntry
}

// LoadMirrorConfig loads mirror credential configuration from a file.
// File format: each line is "host fingerprint comment".
func LoadMirrorConfig(filepath string) (*MirrorConfig, error) {
	if filepath == "" {
		return &MirrorConfig{}, nil
	}

	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror config file: %w", err)
	}
	defer file.Close()

	var config MirrorConfig
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid format on line %d: expected at least 2 fields", lineNum)
		}

		entry := MirrorEntry{Host: parts[0], Fingerprint: parts[1]}
		if len(parts) > 2 {
			entry.Comment = strings.Join(parts[2:], " ")
		}
		config.Entries = append(config.Entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading mirror config file: %w", err)
	}

	return &config, nil
}

// EntryForHost returns the mirror entry registered for host, if any.
func (c *MirrorConfig) EntryForHost(host string) (MirrorEntry, bool) {
	if c == nil {
		return MirrorEntry{}, false
	}
	for _, e := range c.Entries {
		if e.Host == host {
			return e, true
		}
	}
	return MirrorEntry{}, false
}
