package main

import (
	"encoding/base32"
	"fmt"
	"strings"
)

// DNS label and name limits from RFC 1035. Names are handled in
// presentation form, so 253 visible characters is the ceiling.
const (
	maxLabelLen = 63
	maxNameLen  = 253

	// Upper bound on chunks per message; idx and total must each fit
	// one short label, and this keeps a hostile total from ballooning
	// the reassembly map.
	maxChunksPerMessage = 99999

	// Largest plaintext flushed into one outbound chunk. The sealed,
	// base32-encoded result must fit a single 255-octet TXT string:
	// base32(1+12+(128+1)+16) = 253.
	outboundPlainUnit = 128
)

// Payloads ride in DNS labels, which middle resolvers may case-fold.
// Base32 survives that; base64 does not. Lowercase on the wire,
// case-insensitive decode.
var labelEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func encodeLabel(data []byte) string {
	return strings.ToLower(labelEncoding.EncodeToString(data))
}

func decodeLabel(s string) ([]byte, error) {
	data, err := labelEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base32 label", ErrMalformedQuery)
	}
	return data, nil
}

// Chunker splits sealed payloads into msg query names and builds the
// other query shapes for a fixed suffix.
type Chunker struct {
	suffix     string // lowercase, no trailing dot
	maxPayload int
}

func NewChunker(suffix string) *Chunker {
	suffix = strings.ToLower(strings.Trim(suffix, "."))
	// msg.<sid>.<idx>.<total>.<payload>.<suffix> with sid up to 8 and
	// idx/total up to 5 digits each.
	overhead := len("msg.") + 8 + 1 + 5 + 1 + 5 + 1 + 1 + len(suffix)
	maxPayload := maxNameLen - overhead
	if maxPayload > maxLabelLen {
		maxPayload = maxLabelLen
	}
	return &Chunker{suffix: suffix, maxPayload: maxPayload}
}

func (c *Chunker) Suffix() string { return c.suffix }

// BuildQueries encodes blob and splits it across msg query names.
// Concatenating the payload labels in index order and decoding yields
// blob again; every emitted label fits the length and alphabet limits.
func (c *Chunker) BuildQueries(sid string, blob []byte) ([]string, error) {
	encoded := encodeLabel(blob)
	total := (len(encoded) + c.maxPayload - 1) / c.maxPayload
	if total == 0 {
		total = 1
	}
	if total > maxChunksPerMessage {
		return nil, fmt.Errorf("message needs %d chunks, limit is %d", total, maxChunksPerMessage)
	}
	queries := make([]string, 0, total)
	for i := 0; i < total; i++ {
		start := i * c.maxPayload
		end := start + c.maxPayload
		if end > len(encoded) {
			end = len(encoded)
		}
		queries = append(queries,
			fmt.Sprintf("msg.%s.%d.%d.%s.%s", sid, i, total, encoded[start:end], c.suffix))
	}
	return queries, nil
}

// JoinChunks is the inverse of BuildQueries for already-ordered payload
// labels. The result must at least look like an envelope.
func JoinChunks(labels []string) ([]byte, error) {
	blob, err := decodeLabel(strings.Join(labels, ""))
	if err != nil {
		return nil, ErrReassembly
	}
	if len(blob) < envelopeMin || blob[0] != envelopeVersion {
		return nil, ErrReassembly
	}
	return blob, nil
}

func (c *Chunker) GetQuery(sid string, idx int) string {
	return fmt.Sprintf("get.%s.%d.%s", sid, idx, c.suffix)
}

func (c *Chunker) CntQuery(sid string) string {
	return fmt.Sprintf("cnt.%s.%s", sid, c.suffix)
}

func (c *Chunker) ClrQuery(sid string) string {
	return fmt.Sprintf("clr.%s.%s", sid, c.suffix)
}

func (c *Chunker) TstQuery() string {
	return fmt.Sprintf("tst.%s", c.suffix)
}
