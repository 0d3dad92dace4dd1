package sandbox

import (
	"bufio"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

const (
	FormatVersion = 1
	magic         = "UCK1"
)

type Codec byte

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "none":
		return CodecNone, nil
	}
	return CodecNone, fmt.Errorf("unknown codec %q", s)
}

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	case CodecNone:
		return "none"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

var ErrBadMagic = errors.New("not a cooked package")

type Header struct {
	Version     int       `json:"version"`
	Package     string    `json:"package"`
	Platform    string    `json:"platform"`
	ContentHash string    `json:"content_hash"`
	Objects     int       `json:"objects"`
	CookedAt    time.Time `json:"cooked_at"`
}

type CookedObject struct {
	Name       string
	Kind       string
	DerivedKey string
	Payload    []byte
}

type CookedPackage struct {
	Header  Header
	Objects []CookedObject
}

// WriteCooked writes pkg atomically and returns the file size and sha256.
func WriteCooked(path string, pkg CookedPackage, codec Codec) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cook-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	if _, err := cw.Write(append([]byte(magic), byte(codec))); err != nil {
		return 0, "", err
	}
	if err := encodeBody(cw, pkg, codec); err != nil {
		return 0, "", err
	}
	if err := tmp.Sync(); err != nil {
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, "", err
	}
	return cw.n, hex.EncodeToString(h.Sum(nil)), nil
}

func encodeBody(w io.Writer, pkg CookedPackage, codec Codec) error {
	var (
		cw  io.WriteCloser
		err error
	)
	switch codec {
	case CodecZstd:
		cw, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
	case CodecLZ4:
		cw = lz4.NewWriter(w)
	case CodecNone:
		cw = nopCloser{w}
	default:
		return fmt.Errorf("unknown codec %d", codec)
	}

	bw := bufio.NewWriterSize(cw, 64*1024)
	hb, _ := json.Marshal(pkg.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = cw.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = cw.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&pkg); err != nil {
		_ = cw.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = cw.Close()
		return err
	}
	return cw.Close()
}

func ReadCooked(path string) (CookedPackage, error) {
	var pkg CookedPackage
	f, err := os.Open(path)
	if err != nil {
		return pkg, err
	}
	defer f.Close()

	br, closeFn, err := openBody(f)
	if err != nil {
		return pkg, err
	}
	defer closeFn()

	// Header line is duplicated in the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return pkg, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&pkg); err != nil {
		return pkg, fmt.Errorf("gob decode: %w", err)
	}
	return pkg, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	br, closeFn, err := openBody(f)
	if err != nil {
		return h, err
	}
	defer closeFn()

	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func openBody(f io.Reader) (*bufio.Reader, func(), error) {
	pre := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(f, pre); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(pre[:len(magic)]) != magic {
		return nil, nil, ErrBadMagic
	}
	switch Codec(pre[len(magic)]) {
	case CodecZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		return bufio.NewReaderSize(dec, 64*1024), dec.Close, nil
	case CodecLZ4:
		return bufio.NewReaderSize(lz4.NewReader(f), 64*1024), func() {}, nil
	case CodecNone:
		return bufio.NewReaderSize(f, 64*1024), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown codec %d", pre[len(magic)])
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
