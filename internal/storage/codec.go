package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/series"
)

// Binary layout:
//
//	magic "OHLCVHST" | version | uvarint width seconds | uvarint count |
//	count x (varint time delta seconds | flags | uvarint len | decimal bytes) |
//	big-endian CRC-32 (IEEE) of everything before it
//
// The first delta is relative to the unix epoch.
const (
	magic         = "OHLCVHST"
	formatVersion = 1

	flagInterpolated = 1 << 0
)

var csvHeader = []string{"time", "price", "interpolated"}

// Codec reads and writes series files. Files are written as legacy CSV until
// DisableCSV is called; reads accept both formats.
type Codec struct {
	csv    bool
	logger *slog.Logger
}

// NewCodec creates a codec that starts in CSV mode when csvEnabled is set.
func NewCodec(csvEnabled bool, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{csv: csvEnabled, logger: logger.With("component", "codec")}
}

// DisableCSV switches writes to the binary format. There is no way back.
func (c *Codec) DisableCSV() {
	if c.csv {
		c.logger.Info("csv output disabled, writing binary format from now on")
	}
	c.csv = false
}

// CSVEnabled reports whether writes produce CSV.
func (c *Codec) CSVEnabled() bool {
	return c.csv
}

// ReadFromFile loads a series. The format is detected from the header. width is the
// RAW width expected by the caller; zero accepts whatever the file declares (CSV files
// fall back to the default width).
func (c *Codec) ReadFromFile(path string, width time.Duration) (*series.Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewNotFound("file", path, err)
		}
		return nil, NewStorageError("read", path, "", err)
	}

	var s *series.Series
	if bytes.HasPrefix(data, []byte(magic)) {
		s, err = decodeBinary(path, data, width)
	} else {
		if width <= 0 {
			width = series.DefaultWidth
		}
		s, err = decodeCSV(path, data, width)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("series loaded", "path", path, "ticks", s.Len(), "width", s.Width())
	return s, nil
}

// WriteToFile stores the series atomically: the data goes to a temporary file in the
// same directory which then replaces path.
func (c *Codec) WriteToFile(path string, s *series.Series) error {
	var buf bytes.Buffer
	var err error
	if c.csv {
		err = encodeCSV(&buf, s)
	} else {
		err = encodeBinary(&buf, s)
	}
	if err != nil {
		return NewStorageError("encode", path, "", err)
	}

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return NewStorageError("write", path, "", err)
	}
	c.logger.Debug("series written", "path", path, "ticks", s.Len(), "csv", c.csv, "bytes", buf.Len())
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func encodeBinary(w io.Writer, s *series.Series) error {
	var buf bytes.Buffer
	scratch := make([]byte, binary.MaxVarintLen64)

	buf.WriteString(magic)
	buf.WriteByte(formatVersion)
	buf.Write(scratch[:binary.PutUvarint(scratch, uint64(s.Width()/time.Second))])
	buf.Write(scratch[:binary.PutUvarint(scratch, uint64(s.Len()))])

	var prev int64
	for t := range s.All() {
		ts := t.Time.Unix()
		buf.Write(scratch[:binary.PutVarint(scratch, ts-prev)])
		prev = ts

		var flags byte
		if t.Interpolated {
			flags |= flagInterpolated
		}
		buf.WriteByte(flags)

		price, err := t.Price.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode price of %s: %w", t, err)
		}
		buf.Write(scratch[:binary.PutUvarint(scratch, uint64(len(price)))])
		buf.Write(price)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	buf.Write(binary.BigEndian.AppendUint32(nil, sum))

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinary(path string, data []byte, width time.Duration) (*series.Series, error) {
	formatErr := func(pos int, reason string, err error) error {
		return apperrors.NewFormatError(path, pos, reason, err)
	}

	if len(data) < len(magic)+1+4 {
		return nil, formatErr(0, "file truncated", nil)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if got, want := crc32.ChecksumIEEE(body), binary.BigEndian.Uint32(trailer); got != want {
		return nil, formatErr(0, fmt.Sprintf("checksum mismatch: computed %08x, stored %08x", got, want), nil)
	}

	r := bytes.NewReader(body[len(magic):])
	version, err := r.ReadByte()
	if err != nil {
		return nil, formatErr(0, "missing version", err)
	}
	if version != formatVersion {
		return nil, formatErr(0, fmt.Sprintf("unsupported version %d", version), nil)
	}

	widthSec, err := binary.ReadUvarint(r)
	if err != nil || widthSec == 0 {
		return nil, formatErr(0, "invalid width", err)
	}
	fileWidth := time.Duration(widthSec) * time.Second
	if width > 0 && width != fileWidth {
		return nil, formatErr(0, fmt.Sprintf("file width %s does not match %s", fileWidth, width), nil)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, formatErr(0, "invalid record count", err)
	}

	s := series.New(fileWidth)
	var ts int64
	for i := 0; i < int(count); i++ {
		delta, err := binary.ReadVarint(r)
		if err != nil {
			return nil, formatErr(i, "truncated record", err)
		}
		if i > 0 && delta <= 0 {
			return nil, formatErr(i, "times are not strictly increasing", nil)
		}
		ts += delta

		flags, err := r.ReadByte()
		if err != nil {
			return nil, formatErr(i, "truncated record", err)
		}
		n, err := binary.ReadUvarint(r)
		if err != nil || n > uint64(r.Len()) {
			return nil, formatErr(i, "truncated record", err)
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, formatErr(i, "truncated record", err)
		}
		var price decimal.Decimal
		if err := price.UnmarshalBinary(raw); err != nil {
			return nil, formatErr(i, "invalid price", err)
		}

		tick := models.Tick{Time: time.Unix(ts, 0).UTC(), Price: price, Interpolated: flags&flagInterpolated != 0}
		if !models.IsAligned(tick.Time, fileWidth) {
			return nil, formatErr(i, fmt.Sprintf("misaligned time %d for width %s", ts, fileWidth), nil)
		}
		if _, err := s.Push(tick); err != nil {
			return nil, formatErr(i, "invalid tick", err)
		}
	}
	if r.Len() != 0 {
		return nil, formatErr(int(count), fmt.Sprintf("%d trailing bytes", r.Len()), nil)
	}
	return s, nil
}

func encodeCSV(w io.Writer, s *series.Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for t := range s.All() {
		row := []string{strconv.FormatInt(t.Time.Unix(), 10), t.Price.String()}
		if t.Interpolated {
			row = append(row, "1")
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func decodeCSV(path string, data []byte, width time.Duration) (*series.Series, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	s := series.New(width)
	var prev int64
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.NewFormatError(path, line, "malformed csv", err)
		}
		if line == 1 && len(row) > 0 && row[0] == csvHeader[0] {
			continue
		}
		if len(row) < 2 || len(row) > 3 {
			return nil, apperrors.NewFormatError(path, line, fmt.Sprintf("expected 2 or 3 fields, got %d", len(row)), nil)
		}

		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, apperrors.NewFormatError(path, line, "invalid time", err)
		}
		if s.Len() > 0 && ts <= prev {
			return nil, apperrors.NewFormatError(path, line, "times are not strictly increasing", nil)
		}
		prev = ts
		if !models.IsAligned(time.Unix(ts, 0), s.Width()) {
			return nil, apperrors.NewFormatError(path, line, fmt.Sprintf("misaligned time %d for width %s", ts, s.Width()), nil)
		}

		price, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, apperrors.NewFormatError(path, line, "invalid price", err)
		}
		tick := models.Tick{Time: time.Unix(ts, 0).UTC(), Price: price}
		if len(row) == 3 {
			tick.Interpolated = row[2] == "1" || row[2] == "true"
		}
		if _, err := s.Push(tick); err != nil {
			return nil, apperrors.NewFormatError(path, line, "invalid tick", err)
		}
	}
	return s, nil
}
