package main

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentic-research/zlibmeta/internal/record"
	"github.com/agentic-research/zlibmeta/internal/stream"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFixtureReadsBack(t *testing.T) {
	dir := t.TempDir()
	fsys := osfs.New(dir)
	ctx := context.Background()

	t.Run("clean", func(t *testing.T) {
		path := filepath.Join(dir, "files.jsonl.seekable.zst")
		damaged, err := writeFixture(path, 10, 3, 0, rand.New(rand.NewSource(1)), fileLine)
		require.NoError(t, err)
		assert.Zero(t, damaged)

		var ids []int64
		err = stream.Each(ctx, fsys, "files.jsonl.seekable.zst", func(_ int64, line []byte) error {
			f, err := record.DecodeFileMapping(line)
			if err != nil {
				return err
			}
			ids = append(ids, f.ZlibraryID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids)

		// Four frames of at most three lines, then the seek table.
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Greater(t, len(raw), 9)
		assert.Equal(t, uint32(seekableMagic), binary.LittleEndian.Uint32(raw[len(raw)-4:]))
		assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(raw[len(raw)-9:]))
	})

	t.Run("damaged", func(t *testing.T) {
		path := filepath.Join(dir, "records.jsonl.seekable.zst")
		damaged, err := writeFixture(path, 50, 7, 1, rand.New(rand.NewSource(2)), recordLine)
		require.NoError(t, err)
		assert.Equal(t, 50, damaged)

		lines, bad := 0, 0
		err = stream.Each(ctx, fsys, "records.jsonl.seekable.zst", func(_ int64, line []byte) error {
			lines++
			if _, err := record.DecodeCatalog(line); err != nil {
				if !errors.Is(err, record.ErrMalformed) && !errors.Is(err, record.ErrMissingField) {
					return err
				}
				bad++
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 50, lines)
		assert.Positive(t, bad)
	})
}

func TestMutate(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	prev := fileLine(1, rng)
	repeats := 0
	for range 100 {
		got := mutate(fileLine(2, rng), prev, rng)
		assert.NotEmpty(t, got)
		assert.NotContains(t, got, "\n")
		if strings.Contains(got, `"aacid":"dup__`) {
			repeats++
		}
		assert.NotContains(t, mutate("x", "", rng), "dup__", "nothing to repeat before the first line")
	}
	assert.Positive(t, repeats)
}
