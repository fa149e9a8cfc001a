package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const maxEntries = 500

const operLogFile = "oper.log"

// operLogMu serializes writers; every session shares the file.
var operLogMu sync.Mutex

// LoadMOTD reads the message of the day, one entry per line.
// A missing file is an empty MOTD.
func LoadMOTD(dataDir, name string) ([]string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	text := strings.TrimRight(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// LoadOperLog reads the oper audit log
// Returns entries in reverse chronological order (newest first)
func LoadOperLog(dataDir string) ([]string, error) {
	lines, err := readLines(filepath.Join(dataDir, operLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	// file stores oldest first
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// AddOperLog appends an entry to the oper audit log (max 500 entries)
func AddOperLog(dataDir, entry string) error {
	operLogMu.Lock()
	defer operLogMu.Unlock()

	path := filepath.Join(dataDir, operLogFile)
	lines, err := readLines(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return writeLines(path, AddStat(lines, entry))
}

// AddStat appends a new entry, dropping the oldest past the cap
func AddStat(stats []string, entry string) []string {
	stats = append(stats, entry)
	if len(stats) > maxEntries {
		stats = stats[len(stats)-maxEntries:]
	}
	return stats
}

// UploadDir returns the directory receiving files username sends through
// DCC, creating it and checking it is writable.
func UploadDir(usersDir, username string) (string, error) {
	dir := filepath.Join(usersDir, filepath.Base(username), "upload")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "", fmt.Errorf("upload directory %s is not writable: %w", dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return dir, nil
}

// readLines returns the non-empty lines of path.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// writeLines replaces path with lines through a rename, so concurrent
// readers never see a half-written log.
func writeLines(path string, lines []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
