package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/i474232898/weather-shipper/internal/logging"
	"github.com/i474232898/weather-shipper/internal/weather"
)

const fileSourceName = "csv_file"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// FileSource reads observations from a local city,temperature,description
// CSV file. It ignores the requested cities and emits one event per row.
type FileSource struct {
	path   string
	logger *zap.Logger
}

func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{
		path:   path,
		logger: logging.Default(logger).With(zap.String("source", fileSourceName)),
	}
}

func (s *FileSource) Name() string {
	return fileSourceName
}

func (s *FileSource) FetchMany(ctx context.Context, _ []string) ([]weather.Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	events, err := readCSV(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("read csv file %s: %w", s.path, err)
	}
	s.logger.Debug("csv file read", zap.Int("rows", len(events)))
	return events, nil
}

func readCSV(ctx context.Context, r io.Reader) ([]weather.Event, error) {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var events []weather.Event
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		events = append(events, rowEvent(cols, rec))
	}
	return events, nil
}

// rowEvent never fails: an absent column yields nil and an empty or
// unparseable temperature yields a nil temperature.
func rowEvent(cols map[string]int, rec []string) weather.Event {
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return rec[i], true
	}

	var city, desc *string
	var temp *float64

	if v, ok := field("city"); ok {
		city = &v
	}
	if v, ok := field("temperature"); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			temp = &f
		}
	}
	if v, ok := field("description"); ok {
		d := strings.Trim(v, `"`)
		desc = &d
	}
	return weather.NewEvent(fileSourceName, city, temp, desc)
}
