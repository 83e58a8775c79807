// Package feed provides passive sources that push records into a time
// series store: an in-process channel, an MQTT subscription and a Kafka
// consumer group.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basekick-labs/tickstore/internal/timeseries"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Source pushes records until its context is done.
type Source[E any] = timeseries.PassiveSource[E]

// ErrUnknownFormat is returned by DecoderFor.
var ErrUnknownFormat = errors.New("feed: unknown payload format")

// Decoder turns one message payload into records. A payload holds either a
// single record or an array of records.
type Decoder[E any] func(payload []byte) ([]E, error)

// DecoderFor returns the decoder for "msgpack" or "json".
func DecoderFor[E any](format string) (Decoder[E], error) {
	switch strings.ToLower(format) {
	case "msgpack", "":
		return Msgpack[E](), nil
	case "json":
		return JSON[E](), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Msgpack decodes MessagePack payloads.
func Msgpack[E any]() Decoder[E] {
	return func(payload []byte) ([]E, error) {
		if len(payload) == 0 {
			return nil, nil
		}
		c := payload[0]
		if msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32 {
			var batch []E
			if err := msgpack.Unmarshal(payload, &batch); err != nil {
				return nil, fmt.Errorf("feed: decode msgpack batch: %w", err)
			}
			return batch, nil
		}
		var e E
		if err := msgpack.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("feed: decode msgpack record: %w", err)
		}
		return []E{e}, nil
	}
}

// JSON decodes JSON payloads.
func JSON[E any]() Decoder[E] {
	return func(payload []byte) ([]E, error) {
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 {
			return nil, nil
		}
		if payload[0] == '[' {
			var batch []E
			if err := json.Unmarshal(payload, &batch); err != nil {
				return nil, fmt.Errorf("feed: decode json batch: %w", err)
			}
			return batch, nil
		}
		var e E
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("feed: decode json record: %w", err)
		}
		return []E{e}, nil
	}
}
