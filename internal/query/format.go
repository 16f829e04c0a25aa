package query

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/agentic-research/zlibmeta/api"
	"github.com/dustin/go-humanize"
	"github.com/ohler55/ojg/oj"
	"gopkg.in/yaml.v3"
)

const (
	rule           = "================================================================================"
	descriptionMax = 200
)

// WriteYAML renders v as a YAML document.
func WriteYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// WriteStats renders st for a terminal.
func WriteStats(w io.Writer, st *Stats) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nDATABASE STATISTICS\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Total Files:   %s\n", humanize.Comma(st.Files))
	fmt.Fprintf(&b, "Total Records: %s\n", humanize.Comma(st.Records))
	fmt.Fprintf(&b, "Uncatalogued:  %s of %s file ids\n",
		humanize.Comma(int64(st.Uncatalogued)), humanize.Comma(int64(st.FileIDs)))
	b.WriteString("\nTop 10 Languages:\n")
	for _, c := range st.TopLanguages {
		fmt.Fprintf(&b, "  %-20s %s\n", c.Value, humanize.Comma(c.Count))
	}
	b.WriteString("\nTop 10 Extensions:\n")
	for _, c := range st.TopExtensions {
		fmt.Fprintf(&b, "  %-20s %s\n", c.Value, humanize.Comma(c.Count))
	}
	b.WriteString(rule + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteRecord renders one catalog record in full. files may be nil.
func WriteRecord(w io.Writer, rec *api.CatalogRecord, files []api.FileMapping) error {
	if rec == nil {
		_, err := io.WriteString(w, "No record found\n")
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "ZLibrary ID: %d\n", rec.ZlibraryID)
	fmt.Fprintf(&b, "Title:       %s\n", text(rec.Title))
	fmt.Fprintf(&b, "Author:      %s\n", text(rec.Author))
	fmt.Fprintf(&b, "Publisher:   %s\n", text(rec.Publisher))
	fmt.Fprintf(&b, "Year:        %s\n", text(rec.Year))
	fmt.Fprintf(&b, "Language:    %s\n", text(rec.Language))
	fmt.Fprintf(&b, "Extension:   %s\n", text(rec.Extension))
	if rec.FilesizeReported != nil && *rec.FilesizeReported > 0 {
		fmt.Fprintf(&b, "Filesize:    %s bytes (%s)\n",
			humanize.Comma(*rec.FilesizeReported), humanize.Bytes(uint64(*rec.FilesizeReported)))
	} else {
		b.WriteString("Filesize:    N/A\n")
	}
	fmt.Fprintf(&b, "MD5:         %s\n", text(rec.MD5Reported))
	if isbns := ISBNs(rec); len(isbns) > 0 {
		fmt.Fprintf(&b, "ISBNs:       %s\n", strings.Join(isbns, ", "))
	}
	if rec.Description != nil && *rec.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", Truncate(*rec.Description, descriptionMax))
	}
	for _, f := range files {
		fmt.Fprintf(&b, "File:        %s %s\n", f.MD5, f.AACID)
	}
	b.WriteString(rule + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteList renders search results one per line.
func WriteList(w io.Writer, recs []api.CatalogRecord, withExtension bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\nFound %d results:\n", len(recs))
	for _, r := range recs {
		fmt.Fprintf(&b, "  [%d] %s - %s (%s)", r.ZlibraryID, text(r.Title), text(r.Author), text(r.Year))
		if withExtension {
			fmt.Fprintf(&b, " [%s]", text(r.Extension))
		}
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ISBNs decodes the stored JSON array. Malformed text yields nil.
func ISBNs(rec *api.CatalogRecord) []string {
	if rec.ISBNs == nil || *rec.ISBNs == "" {
		return nil
	}
	v, err := oj.ParseString(*rec.ISBNs)
	if err != nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, oj.JSON(e))
		}
	}
	return out
}

// Truncate shortens s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func text(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}
