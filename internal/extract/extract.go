// Package extract turns the untrusted value returned by the remote extractor
// into initiative records.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"okrline/internal/domain"
)

// ErrUnparseable is returned when no array could be recovered from the value.
var ErrUnparseable = errors.New("could not parse extracted data")

var arraySpan = regexp.MustCompile(`\[[\s\S]*\]`)

// Decode accepts the raw `value` member of a fetch response. A JSON array is
// used directly; a JSON string is parsed strictly and, failing that, the span
// from the first '[' to the last ']' is parsed.
func Decode(value json.RawMessage) ([]domain.Initiative, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil, ErrUnparseable
	}
	switch trimmed[0] {
	case '[':
		elems, err := decodeArray(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		return coerceAll(elems), nil
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		return DecodeText(text)
	default:
		return nil, ErrUnparseable
	}
}

// DecodeText applies the strict-then-fallback parse to free text.
func DecodeText(text string) ([]domain.Initiative, error) {
	if elems, err := decodeArray([]byte(strings.TrimSpace(text))); err == nil {
		return coerceAll(elems), nil
	}
	span := arraySpan.FindString(text)
	if span == "" {
		return nil, ErrUnparseable
	}
	elems, err := decodeArray([]byte(span))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return coerceAll(elems), nil
}

func decodeArray(data []byte) ([]json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, err
	}
	if elems == nil {
		return nil, errors.New("not an array")
	}
	return elems, nil
}

func coerceAll(elems []json.RawMessage) []domain.Initiative {
	out := make([]domain.Initiative, 0, len(elems))
	for _, raw := range elems {
		in, ok := Coerce(raw)
		if !ok {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Coerce builds an Initiative from one array element. ok is false when the
// element is not a JSON object.
func Coerce(raw json.RawMessage) (domain.Initiative, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return domain.Initiative{}, false
	}
	get := func(key string) string { return text(fields[key]) }
	return domain.Initiative{
		InitiativeID: get("initiative_id"),
		Name:         get("name"),
		Owner:        get("owner"),
		Status:       get("status"),
		DueDate:      get("due_date"),
		Description:  get("description"),
		RelatedOKR:   get("related_okr"),
		Objectives:   get("objectives"),
		MetricsKPIs:  get("metrics_kpis"),
		Notes:        get("notes"),
	}, true
}

// text renders any JSON value as display text: strings as-is, numbers and
// booleans by their literal, lists joined with "; ", objects as compact JSON.
func text(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			parts := make([]string, 0, len(items))
			for _, item := range items {
				if s := text(item); s != "" {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, "; ")
		}
	case '{':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.String()
		}
	case 't', 'f':
		if b, err := strconv.ParseBool(string(raw)); err == nil {
			return strconv.FormatBool(b)
		}
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
	}
	return string(raw)
}
