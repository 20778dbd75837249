package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
)

// Encoding is the container format of an export payload
type Encoding string

const (
	EncodingGzip Encoding = "gzip"
	EncodingZip  Encoding = "zip"
	EncodingCSV  Encoding = "csv"
)

// Sniff returns the container format of payload by its magic bytes
func Sniff(payload []byte) Encoding {
	switch {
	case bytes.HasPrefix(payload, gzipMagic):
		return EncodingGzip
	case bytes.HasPrefix(payload, zipMagic):
		return EncodingZip
	default:
		return EncodingCSV
	}
}

// Extension returns the file extension used when archiving an encoding
func (e Encoding) Extension() string {
	switch e {
	case EncodingGzip:
		return "csv.gz"
	case EncodingZip:
		return "zip"
	default:
		return "csv"
	}
}

// DetectMIME returns the sniffed MIME type of payload
func DetectMIME(payload []byte) string {
	return mimetype.Detect(payload).String()
}

// Decode turns an export payload into rows. Gzip and zip (first file member)
// payloads are decompressed; the result must be UTF-8 CSV with a header row.
// An empty payload yields no rows.
func Decode(payload []byte) ([]model.RawRow, error) {
	if len(payload) == 0 {
		return []model.RawRow{}, nil
	}

	encoding := Sniff(payload)
	decodeErr := func(err error, msg string) error {
		return goerr.Wrap(model.ErrDecode, msg,
			goerr.V("encoding", encoding),
			goerr.V("mime", DetectMIME(payload)),
			goerr.V("size", len(payload)),
			goerr.V("cause", err.Error()))
	}

	var text []byte
	switch encoding {
	case EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, decodeErr(err, "failed to open gzip payload")
		}
		defer r.Close()
		if text, err = io.ReadAll(r); err != nil {
			return nil, decodeErr(err, "failed to decompress gzip payload")
		}

	case EncodingZip:
		var err error
		if text, err = readFirstZipMember(payload); err != nil {
			return nil, decodeErr(err, "failed to decompress zip payload")
		}

	default:
		text = payload
	}

	text = bytes.TrimPrefix(text, utf8BOM)
	if !utf8.Valid(text) {
		return nil, decodeErr(errors.New("invalid utf-8 sequence"), "export payload is not utf-8 text")
	}

	rows, err := parseCSV(text)
	if err != nil {
		return nil, decodeErr(err, "failed to parse export csv")
	}
	return rows, nil
}

func readFirstZipMember(payload []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errors.New("zip archive has no file member")
}

func parseCSV(text []byte) ([]model.RawRow, error) {
	r := csv.NewReader(bytes.NewReader(text))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return []model.RawRow{}, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rows := []model.RawRow{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := make(model.RawRow, len(header))
		for i, name := range header {
			if name == "" || i >= len(record) {
				continue
			}
			row[name] = record[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
