package symbols

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Extensions recognized as symbol files. ".json.sz" is a snappy framed stream.
var Extensions = []string{".json", ".json.sz"}

func IsSymbolFile(path string) bool {
	for _, ext := range Extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// TableName derives a table name from a symbol file path.
func TableName(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".json.sz", ".json"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

func ReadISF(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read symbol file")
	}
	if strings.HasSuffix(path, ".sz") {
		data, err = io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decompress %s", path)
		}
	}
	return data, nil
}

func Load(path string) (*ISF, error) {
	data, err := ReadISF(path)
	if err != nil {
		return nil, err
	}
	isf, err := Parse(data)
	return isf, errors.Wrap(err, path)
}

func LoadTable(name, path string) (*Table, error) {
	isf, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewTable(name, isf)
}

// Compress writes data as a snappy framed stream, the format Load expects for ".json.sz".
func Compress(w io.Writer, data []byte) error {
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(data); err != nil {
		return errors.Wrap(err, "failed to compress symbols")
	}
	return errors.Wrap(sw.Close(), "failed to compress symbols")
}
