package control

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/distr1/packagefs/internal/pkgerr"
)

// ReadActivationFile reads spec.md §6's on-disk activation file: one
// package filename per line, blank lines skipped, capped at
// MaxRequestSize.
func ReadActivationFile(path string) ([]string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > MaxRequestSize {
		return nil, xerrors.Errorf("activation file %s: %w", path, pkgerr.ErrBadValue)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names, sc.Err()
}

// WriteActivationFile atomically replaces the activation file at path
// with the given filenames, one per line, via renameio so a crash
// mid-write never leaves a torn file (same atomicity idiom the teacher
// uses for its own generated output files).
func WriteActivationFile(path string, filenames []string) error {
	var buf bytes.Buffer
	for _, name := range filenames {
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	if buf.Len() > MaxRequestSize {
		return xerrors.Errorf("activation file %s: %w", path, pkgerr.ErrBadValue)
	}
	return renameio.WriteFile(path, buf.Bytes(), 0o644)
}
