// Command gen-fixture writes synthetic zlib3_files and zlib3_records dumps
// as multi-frame zstd with a trailing skippable seek-table frame, the layout
// of the real .jsonl.seekable.zst files. A share of lines is damaged on
// purpose so imports exercise their decode-error and conflict paths.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	skippableMagic = 0x184D2A5E
	seekableMagic  = 0x8F92EAB1
)

func main() {
	outDir := flag.String("out", "fixtures", "Output directory")
	count := flag.Int("n", 100000, "Records per dump")
	frameLines := flag.Int("frame", 4096, "Lines per zstd frame")
	damage := flag.Float64("damage", 0.001, "Share of lines to damage (0..1)")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	if *count <= 0 || *frameLines <= 0 || *damage < 0 || *damage > 1 {
		flag.Usage()
		os.Exit(1)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fatal(err)
	}

	rng := rand.New(rand.NewSource(*seed))
	damaged := 0
	for _, d := range []struct {
		name string
		line lineFunc
	}{
		{"annas_archive_meta__aacid__zlib3_files.jsonl.seekable.zst", fileLine},
		{"annas_archive_meta__aacid__zlib3_records.jsonl.seekable.zst", recordLine},
	} {
		path := filepath.Join(*outDir, d.name)
		n, err := writeFixture(path, *count, *frameLines, *damage, rng, d.line)
		if err != nil {
			fatal(err)
		}
		damaged += n
		fmt.Printf("wrote %s (%d lines)\n", path, *count)
	}
	fmt.Printf("damaged %d lines\n", damaged)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

var (
	languages  = []string{"english", "russian", "german", "french", "spanish", "chinese", ""}
	extensions = []string{"pdf", "epub", "djvu", "mobi", "fb2"}
)

func fileLine(i int, rng *rand.Rand) string {
	return fmt.Sprintf(`{"aacid":"aacid__zlib3_files__%08d","data_folder":"annas_archive_data__aacid__zlib3_files__%02d","metadata":{"zlibrary_id":%d,"md5":"%016x%016x"}}`,
		i, i%16, i, rng.Uint64(), rng.Uint64())
}

func recordLine(i int, rng *rand.Rand) string {
	return fmt.Sprintf(`{"aacid":"aacid__zlib3_records__%08d","metadata":{"zlibrary_id":%d,"title":"Synthetic Title %d","author":"Author %d","language":%q,"extension":%q,"year":"%d","pages":"%d","filesize_reported":%d,"isbns":["978%010d"],"description":"%s"}}`,
		i, i, i, rng.Intn(5000), languages[rng.Intn(len(languages))], extensions[rng.Intn(len(extensions))],
		1900+rng.Intn(125), 20+rng.Intn(900), 1024+rng.Intn(50<<20), rng.Int63n(1e10),
		strings.Repeat("lorem ipsum ", rng.Intn(40)))
}

type lineFunc func(i int, rng *rand.Rand) string

// mutate damages line the way real dumps occasionally are damaged. prev is
// the line written before it, empty for the first.
func mutate(line, prev string, rng *rand.Rand) string {
	switch rng.Intn(4) {
	case 0: // truncated write
		return line[:len(line)/2]
	case 1: // required field lost
		return strings.Replace(line, `"zlibrary_id"`, `"zlibrary_idx"`, 1)
	case 2: // not JSON at all
		return "<html>502 Bad Gateway</html>"
	default: // previous entry repeated under a new aacid
		if prev == "" {
			return line
		}
		return strings.Replace(prev, `"aacid":"aacid__`, `"aacid":"dup__`, 1)
	}
}

// writeFixture streams n generated lines into path and returns how many
// were damaged.
func writeFixture(path string, n, frameLines int, damage float64, rng *rand.Rand, line lineFunc) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriterSize(f, 1<<20)

	damaged := 0
	prev := ""
	err = writeSeekable(w, n, frameLines, func(i int) string {
		l := line(i, rng)
		if rng.Float64() < damage {
			l = mutate(l, prev, rng)
			damaged++
		}
		prev = l
		return l
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return damaged, fmt.Errorf("write %s: %w", path, err)
	}
	return damaged, nil
}

// writeSeekable encodes lines 1..n from next in frames of frameLines and
// appends a skippable frame holding each frame's compressed and
// decompressed size. Only the current frame is held in memory.
func writeSeekable(w io.Writer, n, frameLines int, next func(i int) string) error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()

	var raw, table bytes.Buffer
	var frame []byte
	frames := uint32(0)
	flush := func() error {
		frame = enc.EncodeAll(raw.Bytes(), frame[:0])
		if _, err := w.Write(frame); err != nil {
			return err
		}
		_ = binary.Write(&table, binary.LittleEndian, uint32(len(frame)))
		_ = binary.Write(&table, binary.LittleEndian, uint32(raw.Len()))
		frames++
		raw.Reset()
		return nil
	}

	for i := 1; i <= n; i++ {
		raw.WriteString(next(i))
		raw.WriteByte('\n')
		if i%frameLines == 0 || i == n {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	// Seek table footer: frame count, descriptor, seekable magic.
	_ = binary.Write(&table, binary.LittleEndian, frames)
	table.WriteByte(0)
	_ = binary.Write(&table, binary.LittleEndian, uint32(seekableMagic))

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], skippableMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(table.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(table.Bytes())
	return err
}
