// Package chunker splits review transcripts into overlapping windows and
// owns the on-disk chunk artifacts that every later stage reads from and
// writes back to.
package chunker

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Config controls the chunking behaviour.
type Config struct {
	Size    int // Window size in characters.
	Overlap int // Character overlap between consecutive windows.
}

// Chunker converts transcript text into artifact-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with the reference defaults.
func New(cfg Config) *Chunker {
	if cfg.Size == 0 {
		cfg.Size = 1500
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 100
	}
	return &Chunker{cfg: cfg}
}

// separators tried in order when a window exceeds the size limit. The
// final empty separator forces a hard cut for pathological inputs with
// no whitespace at all.
var separators = []string{"\n\n", "\n", " ", ""}

// Chunk splits one transcript into chunks in reading order, assigning
// the stable identifiers the rest of the pipeline keys on. ChunkIndex
// is 1-based.
func (c *Chunker) Chunk(text, movieID, reviewer string) []Chunk {
	pieces := c.Split(text)
	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		hash := ContentHash(piece)
		chunks = append(chunks, Chunk{
			ChunkID:    ChunkID(reviewer, hash),
			ChunkHash:  hash,
			Text:       piece,
			MovieID:    movieID,
			Reviewer:   reviewer,
			ChunkIndex: i + 1,
		})
	}
	return chunks
}

// Split breaks text into windows of at most Size characters with Overlap
// characters carried between consecutive windows. Splitting recurses
// through the separator list: paragraph breaks first, then lines, then
// words, then a hard character cut. Lengths are measured in runes so
// multi-byte scripts are not over-split.
func (c *Chunker) Split(text string) []string {
	raw := c.split(text, separators)
	out := make([]string, 0, len(raw))
	for _, piece := range raw {
		piece = strings.TrimSpace(piece)
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

func (c *Chunker) split(text string, seps []string) []string {
	if runeLen(text) <= c.cfg.Size {
		return []string{text}
	}

	sep, remaining := pickSeparator(text, seps)
	if sep == "" {
		return hardCut(text, c.cfg.Size, c.cfg.Overlap)
	}

	splits := strings.Split(text, sep)

	var chunks []string
	var pending []string
	for _, s := range splits {
		if s == "" {
			continue
		}
		if runeLen(s) <= c.cfg.Size {
			pending = append(pending, s)
			continue
		}
		// Oversize piece: flush what fits, then recurse with finer separators.
		chunks = append(chunks, c.merge(pending, sep)...)
		pending = nil
		chunks = append(chunks, c.split(s, remaining)...)
	}
	chunks = append(chunks, c.merge(pending, sep)...)
	return chunks
}

// pickSeparator returns the first separator present in text and the
// finer separators that remain for recursion.
func pickSeparator(text string, seps []string) (string, []string) {
	for i, s := range seps {
		if s == "" {
			return "", nil
		}
		if strings.Contains(text, s) {
			return s, seps[i+1:]
		}
	}
	return "", nil
}

// merge joins small pieces back into windows up to the size limit,
// holding back an overlap tail when a window is emitted so consecutive
// windows share context.
func (c *Chunker) merge(pieces []string, sep string) []string {
	if len(pieces) == 0 {
		return nil
	}

	sepLen := runeLen(sep)
	var chunks []string
	var current []string
	total := 0

	for _, p := range pieces {
		pLen := runeLen(p)
		if total+pLen+sepLen > c.cfg.Size && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, sep))
			// Drop from the front until only the overlap tail remains.
			for total > c.cfg.Overlap || (total+pLen+sepLen > c.cfg.Size && total > 0) {
				total -= runeLen(current[0]) + sepLen
				current = current[1:]
			}
		}
		current = append(current, p)
		total += pLen + sepLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, sep))
	}
	return chunks
}

// hardCut slices text every size runes with the configured overlap,
// used only when no separator at all is present.
func hardCut(text string, size, overlap int) []string {
	runes := []rune(text)
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}

// ContentHash returns the first 14 hex characters of the MD5 of text,
// the content part of a chunk identifier.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:14]
}

// ChunkID builds the stable chunk identifier: reviewer, content hash,
// and a random suffix so re-chunking the same text never collides with
// an earlier run.
func ChunkID(reviewer, hash string) string {
	return reviewer + "_" + hash + "_" + uuid.NewString()[:8]
}
