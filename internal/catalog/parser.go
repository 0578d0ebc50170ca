// Package catalog turns a semicolon-delimited catalog export into cards,
// derives authors, books and their links from them, and loads the result
// into a store in one import transaction.
package catalog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Aman-CERP/tamizdat/internal/store"
)

// Columns is the required header, in order.
var Columns = []string{
	"Last Name", "First Name", "Middle Name", "Title", "Subtitle",
	"Language", "Year", "Series", "ID",
}

// Field positions within a row.
const (
	colLastName = iota
	colFirstName
	colMiddleName
	colTitle
	colSubtitle
	colLanguage
	colYear
	colSeries
	colID
)

// maxLineBytes bounds a single catalog line.
const maxLineBytes = 1 << 20

// ErrSchemaMismatch reports a header that is not the nine catalog columns.
var ErrSchemaMismatch = errors.New("catalog header does not match schema")

// SplitLine splits a row on ';' and trims each field.
func SplitLine(line string) []string {
	fields := strings.Split(line, ";")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// ParseCard builds a card from split fields. It reports false for a
// malformed row: wrong field count or a non-integer ID. An unparseable year
// leaves Year nil. CardID is left for the caller.
func ParseCard(fields []string) (store.Card, bool) {
	if len(fields) != len(Columns) {
		return store.Card{}, false
	}
	bookID, err := strconv.ParseInt(fields[colID], 10, 64)
	if err != nil {
		return store.Card{}, false
	}

	c := store.Card{
		LastName:   optional(fields[colLastName]),
		FirstName:  optional(fields[colFirstName]),
		MiddleName: optional(fields[colMiddleName]),
		Title:      fields[colTitle],
		Subtitle:   optional(fields[colSubtitle]),
		Language:   optional(fields[colLanguage]),
		Series:     optional(fields[colSeries]),
		BookID:     bookID,
	}
	if y, err := strconv.Atoi(fields[colYear]); err == nil {
		c.Year = &y
	}
	return c, true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Reader yields cards from a catalog, one forward pass only.
type Reader struct {
	next       func() (string, error)
	stop       func()
	headerRead bool
	lines      int
	cardID     int64
	skipped    int
}

// NewReader reads a UTF-8 catalog from r. Use DecodeReader first for other
// encodings.
func NewReader(r io.Reader) *Reader {
	br := bufio.NewReaderSize(r, 64*1024)
	return &Reader{
		next: func() (string, error) { return readLine(br) },
		stop: func() {},
	}
}

// NewLineReader reads a catalog given as a header and a sequence of data lines.
func NewLineReader(header string, lines iter.Seq[string]) *Reader {
	next, stop := iter.Pull(lines)
	first := true
	return &Reader{
		next: func() (string, error) {
			if first {
				first = false
				return header, nil
			}
			line, ok := next()
			if !ok {
				return "", io.EOF
			}
			if len(line) > maxLineBytes {
				return "", errLineTooLong
			}
			return line, nil
		},
		stop: stop,
	}
}

// errLineTooLong marks a line longer than maxLineBytes. The line has been
// consumed up to its terminator.
var errLineTooLong = errors.New("line too long")

// readLine returns the next line without its "\n" or "\r\n" terminator. A
// final line without a terminator is still returned. Bytes past
// maxLineBytes are discarded rather than buffered.
func readLine(br *bufio.Reader) (string, error) {
	var (
		buf  []byte
		long bool
	)
	for {
		frag, err := br.ReadSlice('\n')
		if !long {
			if len(buf)+len(frag) > maxLineBytes+2 {
				long = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(buf) == 0 && !long {
				return "", io.EOF
			}
			break
		}
		if err != nil {
			return "", err
		}
		break
	}
	if long {
		return "", errLineTooLong
	}
	buf = bytes.TrimSuffix(buf, []byte("\n"))
	buf = bytes.TrimSuffix(buf, []byte("\r"))
	if len(buf) > maxLineBytes {
		return "", errLineTooLong
	}
	return string(buf), nil
}

// Header reads and validates the header line. It must be called before Next.
func (r *Reader) Header() error {
	if r.headerRead {
		return nil
	}
	r.headerRead = true

	line, err := r.next()
	switch {
	case err == io.EOF:
		return fmt.Errorf("%w: catalog is empty", ErrSchemaMismatch)
	case errors.Is(err, errLineTooLong):
		return fmt.Errorf("%w: header line exceeds %d bytes", ErrSchemaMismatch, maxLineBytes)
	case err != nil:
		return fmt.Errorf("read header: %w", err)
	}
	r.lines++

	got := SplitLine(strings.TrimPrefix(line, "\ufeff"))
	if len(got) != len(Columns) {
		return fmt.Errorf("%w: got %d columns %q", ErrSchemaMismatch, len(got), line)
	}
	for i, name := range Columns {
		if got[i] != name {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrSchemaMismatch, i+1, got[i], name)
		}
	}
	return nil
}

// Next returns the next well-formed card, numbering cards 1..N in input
// order. Malformed rows are skipped and counted. It returns io.EOF at the end.
func (r *Reader) Next() (store.Card, error) {
	if !r.headerRead {
		if err := r.Header(); err != nil {
			return store.Card{}, err
		}
	}
	for {
		line, err := r.next()
		switch {
		case err == io.EOF:
			r.stop()
			return store.Card{}, io.EOF
		case errors.Is(err, errLineTooLong):
			r.lines++
			r.skipped++
			slog.Debug("catalog_row_skipped",
				slog.Int("line", r.lines),
				slog.String("reason", "too_long"))
			continue
		case err != nil:
			r.stop()
			return store.Card{}, fmt.Errorf("read line %d: %w", r.lines+1, err)
		}
		r.lines++

		c, ok := ParseCard(SplitLine(line))
		if !ok {
			r.skipped++
			slog.Debug("catalog_row_skipped", slog.Int("line", r.lines))
			continue
		}
		r.cardID++
		c.CardID = r.cardID
		return c, nil
	}
}

// Skipped returns the number of malformed rows seen so far.
func (r *Reader) Skipped() int { return r.skipped }

// Lines returns the number of lines read, header included.
func (r *Reader) Lines() int { return r.lines }

// Close releases a sequence-backed reader early.
func (r *Reader) Close() {
	r.stop()
}
