package gater

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/shurlinet/swarmcore/swarm"
)

// LoadAuthorizedKeys loads a newline-delimited authorized_keys file, one
// base58 PeerID per line with optional "# comment" and trailing
// whitespace-separated attrs (ignored here).
func LoadAuthorizedKeys(path string) (map[swarm.PeerID]struct{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gater: open authorized_keys file: %w", err)
	}
	defer file.Close()

	authorized := make(map[swarm.PeerID]struct{})
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		idStr := parseLine(scanner.Text())
		if idStr == "" {
			continue
		}
		id, err := swarm.ParsePeerID(idStr)
		if err != nil {
			return nil, fmt.Errorf("gater: invalid peer id at line %d: %s: %w", lineNum, idStr, err)
		}
		authorized[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gater: reading authorized_keys file: %w", err)
	}
	return authorized, nil
}

// parseLine extracts the leading peer-id token from one authorized_keys
// line, skipping blank lines and full-line comments.
func parseLine(line string) (peerIDStr string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
