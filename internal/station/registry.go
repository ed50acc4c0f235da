// Package station loads the static station registry.
//
// The registry is a CSV file read once at process start. Each row describes
// one observation station and the venue its temperature markets trade on.
// Any malformed row, unknown timezone, or missing file is a configuration
// error — the process refuses to start rather than trade against a partial
// station set.
package station

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"tempedge/pkg/types"
)

// csv column layout: code,city,latitude,longitude,timezone,primary_venue,obs_update_minutes
const expectedColumns = 7

// ErrNotFound is returned when no station matches a lookup.
var ErrNotFound = fmt.Errorf("station not found")

// Registry is the immutable station set. Built once by Load; safe for
// concurrent reads.
type Registry struct {
	byCode map[string]types.Station
	byCity map[string]types.Station
	order  []string // codes in file order
}

// Load reads the registry CSV. The first row is a header and is skipped.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open station registry: %w", err)
	}
	defer f.Close()
	return parse(f, path)
}

func parse(r io.Reader, source string) (*Registry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	reg := &Registry{
		byCode: make(map[string]types.Station),
		byCity: make(map[string]types.Station),
	}

	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: read row: %w", source, err)
		}
		line++
		if line == 1 {
			continue // header
		}
		if len(record) != expectedColumns {
			return nil, fmt.Errorf("%s line %d: expected %d columns, got %d", source, line, expectedColumns, len(record))
		}

		code := strings.TrimSpace(record[0])
		city := strings.TrimSpace(record[1])
		if code == "" || city == "" {
			return nil, fmt.Errorf("%s line %d: code and city are required", source, line)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: latitude: %w", source, line, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: longitude: %w", source, line, err)
		}
		tz := strings.TrimSpace(record[4])
		venue := types.Venue(strings.TrimSpace(record[5]))
		minutes, err := parseMinutes(record[6])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: obs_update_minutes: %w", source, line, err)
		}

		st, err := types.NewStation(code, city, lat, lon, tz, venue, minutes)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", source, line, err)
		}
		if _, dup := reg.byCode[code]; dup {
			return nil, fmt.Errorf("%s line %d: duplicate station code %s", source, line, code)
		}
		reg.byCode[code] = st
		reg.byCity[strings.ToLower(city)] = st
		reg.order = append(reg.order, code)
	}

	if len(reg.byCode) == 0 {
		return nil, fmt.Errorf("%s: no stations defined", source)
	}
	return reg, nil
}

// parseMinutes parses pipe-separated minute marks, e.g. "20|50".
func parseMinutes(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "|")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		m, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if m < 0 || m > 59 {
			return nil, fmt.Errorf("minute mark %d out of range", m)
		}
		out = append(out, m)
	}
	sort.Ints(out)
	return out, nil
}

// Get returns the station with the given short code.
func (r *Registry) Get(code string) (types.Station, error) {
	st, ok := r.byCode[code]
	if !ok {
		return types.Station{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	return st, nil
}

// ByCity returns the station serving the given display city
// (case-insensitive).
func (r *Registry) ByCity(name string) (types.Station, error) {
	st, ok := r.byCity[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return types.Station{}, fmt.Errorf("%w: city %s", ErrNotFound, name)
	}
	return st, nil
}

// All returns every station in registry file order.
func (r *Registry) All() []types.Station {
	out := make([]types.Station, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.byCode[code])
	}
	return out
}

// Subset resolves a list of station codes, preserving order. Unknown codes
// are a configuration error.
func (r *Registry) Subset(codes []string) ([]types.Station, error) {
	out := make([]types.Station, 0, len(codes))
	for _, code := range codes {
		st, err := r.Get(strings.TrimSpace(code))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
