// Package record turns raw JSON lines of the Anna's Archive zlib3 dumps into
// typed rows. Decoding is pure: one line in, one row or one error out.
package record

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var (
	// ErrMalformed marks lines that are not a JSON object.
	ErrMalformed = errors.New("malformed record")
	// ErrMissingField marks records lacking a required field, or carrying
	// one that cannot be coerced.
	ErrMissingField = errors.New("missing required field")
)

// DecodeError describes why a single line was rejected.
type DecodeError struct {
	Field  string // empty for structural failures
	Reason string
	Err    error // ErrMalformed or ErrMissingField
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v %q: %s", e.Err, e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Func decodes one line into a row for a fixed table.
type Func func(line []byte) (api.Row, error)

// ForTable returns the decoder feeding the named table.
func ForTable(table string) (Func, error) {
	switch table {
	case api.FilesTableName:
		return func(line []byte) (api.Row, error) { return DecodeFileMapping(line) }, nil
	case api.RecordsTableName:
		return func(line []byte) (api.Row, error) { return DecodeCatalog(line) }, nil
	}
	return nil, fmt.Errorf("no decoder for table %q", table)
}

var (
	pathAACID      = jp.MustParseString("$.aacid")
	pathDataFolder = jp.MustParseString("$.data_folder")
	pathZlibID     = jp.MustParseString("$.metadata.zlibrary_id")
	pathMD5        = jp.MustParseString("$.metadata.md5")
	pathMD5Rep     = jp.MustParseString("$.metadata.md5_reported")
	pathFilesize   = jp.MustParseString("$.metadata.filesize_reported")
	pathISBNs      = jp.MustParseString("$.metadata.isbns")
)

// catalogText lists the free-text catalog columns and where they live.
var catalogText = []struct {
	path jp.Expr
	set  func(*api.CatalogRecord, *string)
}{
	{jp.MustParseString("$.metadata.title"), func(c *api.CatalogRecord, v *string) { c.Title = v }},
	{jp.MustParseString("$.metadata.author"), func(c *api.CatalogRecord, v *string) { c.Author = v }},
	{jp.MustParseString("$.metadata.publisher"), func(c *api.CatalogRecord, v *string) { c.Publisher = v }},
	{jp.MustParseString("$.metadata.language"), func(c *api.CatalogRecord, v *string) { c.Language = v }},
	{jp.MustParseString("$.metadata.series"), func(c *api.CatalogRecord, v *string) { c.Series = v }},
	{jp.MustParseString("$.metadata.volume"), func(c *api.CatalogRecord, v *string) { c.Volume = v }},
	{jp.MustParseString("$.metadata.edition"), func(c *api.CatalogRecord, v *string) { c.Edition = v }},
	{jp.MustParseString("$.metadata.year"), func(c *api.CatalogRecord, v *string) { c.Year = v }},
	{jp.MustParseString("$.metadata.pages"), func(c *api.CatalogRecord, v *string) { c.Pages = v }},
	{jp.MustParseString("$.metadata.description"), func(c *api.CatalogRecord, v *string) { c.Description = v }},
	{jp.MustParseString("$.metadata.extension"), func(c *api.CatalogRecord, v *string) { c.Extension = v }},
	{jp.MustParseString("$.metadata.date_added"), func(c *api.CatalogRecord, v *string) { c.DateAdded = v }},
	{jp.MustParseString("$.metadata.date_modified"), func(c *api.CatalogRecord, v *string) { c.DateModified = v }},
	{jp.MustParseString("$.metadata.cover_path"), func(c *api.CatalogRecord, v *string) { c.CoverPath = v }},
	{jp.MustParseString("$.metadata.category_id"), func(c *api.CatalogRecord, v *string) { c.CategoryID = v }},
}

// DecodeFileMapping decodes a zlib3_files line. aacid, zlibrary_id and md5
// are required.
func DecodeFileMapping(line []byte) (*api.FileMapping, error) {
	doc, err := parseObject(line)
	if err != nil {
		return nil, err
	}
	aacid, err := requireString(doc, pathAACID, "aacid")
	if err != nil {
		return nil, err
	}
	id, err := requireInt(doc, pathZlibID, "metadata.zlibrary_id")
	if err != nil {
		return nil, err
	}
	md5, ok := hexDigest(pathMD5.First(doc))
	if !ok {
		return nil, &DecodeError{Field: "metadata.md5", Reason: "want 32 hex characters", Err: ErrMissingField}
	}
	return &api.FileMapping{
		AACID:      aacid,
		ZlibraryID: id,
		MD5:        md5,
		DataFolder: optText(pathDataFolder.First(doc)),
	}, nil
}

// DecodeCatalog decodes a zlib3_records line. aacid and zlibrary_id are
// required; everything else is optional.
func DecodeCatalog(line []byte) (*api.CatalogRecord, error) {
	doc, err := parseObject(line)
	if err != nil {
		return nil, err
	}
	aacid, err := requireString(doc, pathAACID, "aacid")
	if err != nil {
		return nil, err
	}
	id, err := requireInt(doc, pathZlibID, "metadata.zlibrary_id")
	if err != nil {
		return nil, err
	}

	rec := &api.CatalogRecord{AACID: aacid, ZlibraryID: id}
	if md5, ok := hexDigest(pathMD5Rep.First(doc)); ok {
		rec.MD5Reported = &md5
	}
	if n, ok := toInt(pathFilesize.First(doc)); ok {
		rec.FilesizeReported = &n
	}
	for _, f := range catalogText {
		f.set(rec, optText(f.path.First(doc)))
	}
	isbns := isbnList(pathISBNs.First(doc))
	rec.ISBNs = &isbns
	return rec, nil
}

func parseObject(line []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, &DecodeError{Reason: "empty line", Err: ErrMalformed}
	}
	v, err := oj.Parse(line)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error(), Err: ErrMalformed}
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("root is %T, want object", v), Err: ErrMalformed}
	}
	return doc, nil
}

func requireString(doc any, path jp.Expr, name string) (string, error) {
	s, ok := path.First(doc).(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", &DecodeError{Field: name, Reason: "want non-empty string", Err: ErrMissingField}
	}
	return s, nil
}

func requireInt(doc any, path jp.Expr, name string) (int64, error) {
	n, ok := toInt(path.First(doc))
	if !ok {
		return 0, &DecodeError{Field: name, Reason: "want integer", Err: ErrMissingField}
	}
	return n, nil
}

// toInt accepts integers, integral floats and numeric strings.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if n != math.Trunc(n) || math.IsInf(n, 0) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return toInt(f)
		}
	}
	return 0, false
}

// optText renders any JSON value as text; null and missing stay NULL.
func optText(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case int64:
		s = strconv.FormatInt(t, 10)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		s = oj.JSON(t)
	}
	return &s
}

func hexDigest(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || len(s) != 32 {
		return "", false
	}
	s = strings.ToLower(s)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return s, true
}

// isbnList serializes the isbns field to a JSON array of strings. Missing or
// unusable values become "[]".
func isbnList(v any) string {
	var out []any
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s := optText(e); s != nil {
				out = append(out, *s)
			}
		}
	case string:
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return "[]"
	}
	return oj.JSON(out)
}
