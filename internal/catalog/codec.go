package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/v1.yaml
var defaultDocument []byte

// DefaultDocument returns the built-in catalog document.
func DefaultDocument() *Document {
	doc, err := Decode(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog: %v", err))
	}
	return doc
}

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Decode parses a catalog document. JSON, YAML and zstd-compressed forms of
// either are accepted; the format is sniffed from the content.
func Decode(data []byte) (*Document, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing catalog: %w", err)
		}
		data = raw
	}

	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parsing catalog json: %w", err)
		}
		return &doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog yaml: %w", err)
	}
	return &doc, nil
}

// Export serializes a catalog snapshot as an indented JSON document.
// Import(Export(c)) builds a catalog with the same traits, options,
// predicates, presets and rules.
func Export(c *Catalog) ([]byte, error) {
	data, err := json.MarshalIndent(c.Document(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding catalog v%d: %w", c.Version(), err)
	}
	return data, nil
}

// ExportCompressed is Export framed with zstd, for .json.zst bundles.
func ExportCompressed(c *Catalog) ([]byte, error) {
	data, err := Export(c)
	if err != nil {
		return nil, err
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

// Import decodes and builds a catalog from an exported document.
func Import(data []byte) (*Catalog, error) {
	doc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Equivalent reports whether two snapshots declare the same traits, options,
// predicates, presets and rules.
func Equivalent(a, b *Catalog) bool {
	ja, errA := json.Marshal(a.Document())
	jb, errB := json.Marshal(b.Document())
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
