// Package conffile reads and writes sectioned "key = value" files such as
// sec.conf:
//
//	# comment
//	[crypt]
//	cipher = aes256
//
//	[data]
//	__passphrase__ = on
//	name = "value"
//
// Callers own the meaning of every line; this package only splits and
// joins them.
package conffile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	FileMode = 0600
	DirMode  = 0700

	// maxLineSize bounds a single line (hex envelopes double the value size).
	maxLineSize = 8 * 1024 * 1024
)

var (
	ErrUnknownSection = errors.New("conffile: unknown section")
	ErrNoSection      = errors.New("conffile: option outside of a section")
)

// SyntaxError reports a line that is neither a comment, a section header
// nor an option.
type SyntaxError struct {
	Line int
	Text string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("conffile: syntax error on line %d: %q", e.Line, e.Text)
}

// LineFunc receives one option of a section. The value has its
// surrounding double quotes removed.
type LineFunc func(key, value string) error

// Read parses the file at path. A missing file returns an error matching
// os.ErrNotExist.
func Read(path string, sections map[string]LineFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("conffile: failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := Parse(f, sections); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Parse reads options from r and dispatches them to the section callbacks.
func Parse(r io.Reader, sections map[string]LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var current LineFunc
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return &SyntaxError{Line: lineNo, Text: line}
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			fn, ok := sections[name]
			if !ok {
				return fmt.Errorf("%w %q on line %d", ErrUnknownSection, name, lineNo)
			}
			current = fn
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return &SyntaxError{Line: lineNo, Text: line}
		}
		if current == nil {
			return fmt.Errorf("%w on line %d", ErrNoSection, lineNo)
		}

		if err := current(key, Unquote(strings.TrimSpace(value))); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("conffile: failed to read: %w", err)
	}
	return nil
}

// Unquote removes one pair of surrounding double quotes.
func Unquote(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return value[1 : len(value)-1]
	}
	return value
}

// Writer accumulates the content of a file before it is committed.
type Writer struct {
	buf      bytes.Buffer
	sections int
}

// NewWriter starts a file with header lines written as comments.
func NewWriter(header ...string) *Writer {
	w := &Writer{}
	if len(header) > 0 {
		w.buf.WriteString("#\n")
		for _, h := range header {
			w.buf.WriteString("# " + h + "\n")
		}
		w.buf.WriteString("#\n")
	}
	return w
}

// Section starts a new [name] section.
func (w *Writer) Section(name string) {
	w.buf.WriteString("\n[" + name + "]\n")
	w.sections++
}

// Line writes key = value without quotes.
func (w *Writer) Line(key, value string) {
	w.buf.WriteString(key + " = " + value + "\n")
}

// QuotedLine writes key = "value".
func (w *Writer) QuotedLine(key, value string) {
	w.Line(key, `"`+value+`"`)
}

// Bytes returns the content written so far.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Commit atomically replaces the file at path with the written content.
func (w *Writer) Commit(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("conffile: failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("conffile: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("conffile: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(w.buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("conffile: failed to write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("conffile: failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("conffile: failed to close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("conffile: failed to replace %s: %w", path, err)
	}
	return nil
}
