package IO

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DatasetCandidates are probed in order when no dataset path is given.
var DatasetCandidates = []string{
	"dataset/XREP_dataset.csv",
	"data/XREP_dataset.csv",
	"../data/XREP_dataset.csv",
}

// FindDataset returns the first existing candidate, or the first *.csv
// under root.
func FindDataset(root string) string {
	for _, p := range DatasetCandidates {
		if fileExists(p) {
			return p
		}
	}
	slog.Debug("no dataset candidate found, searching", "root", root)
	var first string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".csv") && first == "" {
			first = path
		}
		return nil
	})
	return first
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// readLines reads up to 'limit' lines (0 = no limit). Uses a large buffered reader.
func readLines(p string, limit int) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20) // 1MB
	out := make([]string, 0, 4096)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			out = append(out, line)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
