package ingestion

import "strings"

// Chunk is one piece of a unit sized for embedding.
type Chunk struct {
	Text     string
	Location string
}

// Chunker splits units into chunks of at most Size runes. A unit that fits
// becomes one chunk; longer units are cut into windows that overlap by
// Overlap runes. Output is deterministic for a given input.
type Chunker struct {
	Size    int
	Overlap int
}

// normalised returns c with defaults applied (1000 / 100) and Overlap clamped
// below Size.
func (c Chunker) normalised() Chunker {
	if c.Size <= 0 {
		c.Size = 1000
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Overlap >= c.Size {
		c.Overlap = c.Size / 10
	}
	return c
}

// Split chunks units in order. Blank units are dropped.
func (c Chunker) Split(units []Unit) []Chunk {
	c = c.normalised()
	var out []Chunk
	for _, u := range units {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) <= c.Size {
			out = append(out, Chunk{Text: text, Location: u.Location})
			continue
		}
		step := c.Size - c.Overlap
		for start := 0; start < len(runes); start += step {
			end := min(start+c.Size, len(runes))
			if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
				out = append(out, Chunk{Text: piece, Location: u.Location})
			}
			if end == len(runes) {
				break
			}
		}
	}
	return out
}
