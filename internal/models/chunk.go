package models

import (
	"encoding/json"

	"github.com/xaenox/copilot-chat/internal/errors"
)

type ChunkKind int

const (
	// ChunkDelta carries incremental text.
	ChunkDelta ChunkKind = iota
	// ChunkFinal carries the complete answer.
	ChunkFinal
	// ChunkFile carries a file answer.
	ChunkFile
)

// Chunk is one parsed fragment of a copilot response.
type Chunk struct {
	Kind ChunkKind
	Text string
	File *FilePayload
}

func (c Chunk) Terminal() bool {
	return c.Kind != ChunkDelta
}

// ParseFragment decodes a raw fragment. Fragments that are not JSON
// objects or carry none of the known fields yield ErrMalformedFragment.
func ParseFragment(raw string) (Chunk, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Chunk{}, errors.Wrapf(errors.ErrMalformedFragment, "not json: %v", err)
	}
	if fields == nil {
		return Chunk{}, errors.Wrapf(errors.ErrMalformedFragment, "not an object")
	}

	filename, content := text(fields["filename"]), text(fields["content"])
	if filename != "" && content != "" {
		return Chunk{
			Kind: ChunkFile,
			Text: firstOf(fields, "message", "result", "synthesis"),
			File: &FilePayload{
				Filename: filename,
				Filetype: text(fields["filetype"]),
				Content:  content,
				Message:  firstOf(fields, "message", "result", "synthesis"),
			},
		}, nil
	}

	if delta := text(fields["chunk"]); delta != "" {
		return Chunk{Kind: ChunkDelta, Text: delta}, nil
	}

	if answer := firstOf(fields, "synthesis", "message", "result"); answer != "" {
		return Chunk{Kind: ChunkFinal, Text: answer}, nil
	}

	return Chunk{}, errors.Wrapf(errors.ErrMalformedFragment, "no known field")
}

func firstOf(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := text(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

// text renders a JSON value as display text; structured values are
// re-encoded.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
