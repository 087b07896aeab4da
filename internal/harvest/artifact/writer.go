package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/regharvest/harvester/internal/common/fileutils"
	"github.com/regharvest/harvester/internal/harvest/region"
	"github.com/ubuntu/decorate"
)

// bom is the UTF-8 byte order mark, so spreadsheet tools detect the encoding.
const bom = "\uFEFF"

// Writer writes the records of a region as a CSV artifact.
//
// Values are joined with commas without quoting or escaping: a value containing a comma or a newline
// shifts the columns of its row.
type Writer struct {
	resolver *Resolver
}

// NewWriter returns a writer storing artifacts where r resolves them.
func NewWriter(r *Resolver) *Writer {
	return &Writer{resolver: r}
}

// Write stores records for u, projected through headers.
// The artifact only appears at its final path once completely written.
func (w Writer) Write(u region.Unit, headers []string, records []map[string]any) (err error) {
	defer decorate.OnError(&err, "could not write artifact for %s", u)

	if err := os.MkdirAll(w.resolver.Dir(), 0o750); err != nil {
		return err
	}

	return fileutils.AtomicWriteFunc(w.resolver.Resolve(u), func(out io.Writer) error {
		return Encode(out, headers, records)
	})
}

// Encode writes the BOM, the header line and one line per record to out.
func Encode(out io.Writer, headers []string, records []map[string]any) error {
	if _, err := io.WriteString(out, bom+strings.Join(headers, ",")+"\n"); err != nil {
		return err
	}

	row := make([]string, len(headers))
	for _, rec := range records {
		for i, h := range headers {
			row[i] = FormatValue(rec[h])
		}
		if _, err := io.WriteString(out, strings.Join(row, ",")+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// FormatValue renders a decoded JSON value as a CSV cell. Absent and null values are empty.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
