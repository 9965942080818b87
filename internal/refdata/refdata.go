// Package refdata loads the id -> name reference maps served by the lookup server.
//
// The file format is newline-delimited "id,name". Only the first comma separates the
// id from the name, so names may contain commas. Blank lines are skipped.
package refdata

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"enrichment/internal/model"
)

// ErrMalformedLine is wrapped by every parse error.
var ErrMalformedLine = errors.New("malformed reference line")

// Map is a read-only id -> name table.
type Map map[int32]string

// Lookup returns the name for id.
func (m Map) Lookup(id int32) (string, bool) {
	name, ok := m[id]
	return name, ok
}

// Products returns the table as products ordered by id.
func (m Map) Products() []model.Product {
	out := make([]model.Product, 0, len(m))
	for _, id := range m.ids() {
		out = append(out, model.Product{ID: id, Name: m[id]})
	}
	return out
}

// Brokers returns the table as brokers ordered by id.
func (m Map) Brokers() []model.Broker {
	out := make([]model.Broker, 0, len(m))
	for _, id := range m.ids() {
		out = append(out, model.Broker{ID: id, Name: m[id]})
	}
	return out
}

func (m Map) ids() []int32 {
	ids := make([]int32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LoadFile reads the reference map stored at path.
func LoadFile(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference file: %w", err)
	}
	defer f.Close()

	m, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Info().Str("path", path).Int("entries", len(m)).Msg("reference data loaded")
	return m, nil
}

// Load parses a reference map from r. A later line with the same id overrides an earlier one.
// Whitespace around the id is ignored; the name is kept exactly as written, minus a
// trailing carriage return.
func Load(r io.Reader) (Map, error) {
	m := make(Map)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		rawID, name, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("line %d: missing comma: %w", lineNo, ErrMalformedLine)
		}

		id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid id %q: %w", lineNo, rawID, ErrMalformedLine)
		}
		if name == "" {
			return nil, fmt.Errorf("line %d: empty name: %w", lineNo, ErrMalformedLine)
		}

		m[int32(id)] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reference data: %w", err)
	}
	return m, nil
}
