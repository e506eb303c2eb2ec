package vectorstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

const PayloadSchemaVersion = 1

type PayloadShape string

const (
	ShapeFlatV1    PayloadShape = "flat_v1"
	ShapeLangchain PayloadShape = "langchain"
	ShapeUnknown   PayloadShape = "unknown"
)

var ErrUnknownPayload = errors.New("unrecognised vector payload")

type Payload struct {
	DocumentID    int64  `json:"document_id"`
	OwnerID       int64  `json:"owner_id"`
	ChunkID       int    `json:"chunk_id"`
	Source        string `json:"source"`
	ChunkSize     int    `json:"chunk_size"`
	Content       string `json:"content"`
	SchemaVersion int    `json:"schema_version"`
}

func (p Payload) Map() map[string]any {
	return map[string]any{
		"document_id":    p.DocumentID,
		"owner_id":       p.OwnerID,
		"chunk_id":       p.ChunkID,
		"source":         p.Source,
		"chunk_size":     p.ChunkSize,
		"content":        p.Content,
		"schema_version": PayloadSchemaVersion,
	}
}

// NormalizePayload reads a stored payload whatever shape wrote it.
//
//	flat_v1:   {document_id, owner_id, chunk_id, source, chunk_size, content}
//	langchain: {page_content, metadata: {document_id, owner_id, chunk_id, source, chunk_size}}
func NormalizePayload(raw map[string]any) (Payload, PayloadShape, error) {
	switch shape := detectShape(raw); shape {
	case ShapeFlatV1:
		p := readFields(raw)
		p.Content, _ = raw["content"].(string)
		p.SchemaVersion = PayloadSchemaVersion
		return p, shape, nil
	case ShapeLangchain:
		meta, _ := raw["metadata"].(map[string]any)
		p := readFields(meta)
		p.Content, _ = raw["page_content"].(string)
		return p, shape, nil
	default:
		return Payload{}, ShapeUnknown, fmt.Errorf("%w: keys %v", ErrUnknownPayload, keys(raw))
	}
}

func detectShape(raw map[string]any) PayloadShape {
	if _, ok := raw["content"].(string); ok {
		if _, ok := raw["document_id"]; ok {
			return ShapeFlatV1
		}
	}
	if _, ok := raw["page_content"].(string); ok {
		if _, ok := raw["metadata"].(map[string]any); ok {
			return ShapeLangchain
		}
	}
	return ShapeUnknown
}

func readFields(m map[string]any) Payload {
	return Payload{
		DocumentID: asInt64(m["document_id"]),
		OwnerID:    asInt64(m["owner_id"]),
		ChunkID:    int(asInt64(m["chunk_id"])),
		Source:     asString(m["source"]),
		ChunkSize:  int(asInt64(m["chunk_size"])),
	}
}

// asInt64 accepts the numeric forms JSON decoders and older writers produce.
func asInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
