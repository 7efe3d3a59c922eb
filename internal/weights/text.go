// Package weights reads and writes layer weights: plain text matrices
// exported from training tooling, raw little-endian float32 dumps, and CBOR
// bundles holding a whole model.
package weights

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// ErrEmpty is returned for a weight file without any values.
var ErrEmpty = errors.New("weights: file holds no values")

// Files names the text files of one layer.
type Files struct {
	Weights   string
	Bias      string
	Recurrent string
}

// Paths returns the files for a layer stored under dir with stem file:
// file.txt, file_bias.txt and file_recurrent.txt.
func Paths(dir, file string) Files {
	stem := filepath.Join(dir, file)
	return Files{
		Weights:   stem + ".txt",
		Bias:      stem + "_bias.txt",
		Recurrent: stem + "_recurrent.txt",
	}
}

func isSep(r rune) bool {
	return r == ',' || r == ' ' || r == '\t' || r == ';'
}

// ReadText parses one matrix row per non-empty line. Values are separated
// by commas or whitespace; lines starting with # are skipped.
func ReadText[W constraints.Float](path string) ([][]W, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer f.Close()

	var rows [][]W
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, isSep)
		row := make([]W, len(fields))
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			row[i] = W(v)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return rows, nil
}

// WriteText writes rows in the format ReadText accepts.
func WriteText[W constraints.Float](path string, rows [][]W) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weights: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				w.WriteByte(',')
			}
			w.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Flatten concatenates rows.
func Flatten[W constraints.Float](rows [][]W) []W {
	n := 0
	for _, r := range rows {
		n += len(r)
	}
	out := make([]W, 0, n)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}
