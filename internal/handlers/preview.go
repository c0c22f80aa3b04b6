package handlers

import (
	"fmt"
	"sort"
	"unicode"

	"github.com/fxamacker/cbor/v2"
)

// PreviewLen caps the transaction bytes kept for the confirmation screen.
// Longer transactions are shown by digest only.
const PreviewLen = 1024

const (
	maxPreviewFields = 6
	maxPreviewValue  = 32
)

var previewDecMode cbor.DecMode

func init() {
	// A repeated key would let the screen show one value while the signed
	// bytes carry another, so duplicates fail the decode.
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  4,
		MaxMapPairs:      64,
		MaxArrayElements: 64,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("handlers: failed to create CBOR dec mode: %v", err))
	}
	previewDecMode = dm
}

// describeTxn renders a transaction encoded as a CBOR map with text keys
// into "key: value" lines. Anything else yields nil and the prompt falls
// back to the digest.
func describeTxn(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	var fields map[string]any
	if err := previewDecMode.Unmarshal(body, &fields); err != nil || len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, maxPreviewFields+1)
	for i, k := range keys {
		if i == maxPreviewFields {
			lines = append(lines, fmt.Sprintf("(+%d more)", len(keys)-i))
			break
		}
		lines = append(lines, printable(k)+": "+previewValue(fields[k]))
	}
	return lines
}

func previewValue(v any) string {
	switch t := v.(type) {
	case []byte:
		return printable(fmt.Sprintf("%x", t))
	case string:
		return printable(t)
	case nil:
		return "null"
	default:
		return printable(fmt.Sprint(t))
	}
}

// printable replaces every rune a terminal would not draw as itself (C0
// and C1 controls, bidi overrides and other format runes, invalid UTF-8)
// and truncates on a rune boundary.
func printable(s string) string {
	rs := []rune(s)
	suffix := ""
	if len(rs) > maxPreviewValue {
		rs = rs[:maxPreviewValue-3]
		suffix = "..."
	}
	for i, r := range rs {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			rs[i] = '.'
		}
	}
	return string(rs) + suffix
}
