// Package stream is a TCP feed: producers connect and push insert frames,
// each a length-delimited protobuf Struct.
//
// Frame shapes:
//
//	{"type": "hello",  "token": "..."}                 first frame when tokens are configured
//	{"type": "insert", "topic": "...", "row": {...}}   one inserted row
//	{"type": "ack", "ok": true|false, "error": "..."}  server reply to hello
package stream

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Frame types.
const (
	FrameHello  = "hello"
	FrameInsert = "insert"
	FrameAck    = "ack"
)

// NewHello builds a hello frame.
func NewHello(token string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":  structpb.NewStringValue(FrameHello),
		"token": structpb.NewStringValue(token),
	}}
}

// NewAck builds an ack frame. errMsg is ignored when ok.
func NewAck(ok bool, errMsg string) *structpb.Struct {
	f := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(FrameAck),
		"ok":   structpb.NewBoolValue(ok),
	}}
	if !ok {
		f.Fields["error"] = structpb.NewStringValue(errMsg)
	}
	return f
}

// NewInsert builds an insert frame. time.Time values in row are sent as
// RFC 3339 strings; other values must be representable by structpb.
func NewInsert(topic string, row types.Row) (*structpb.Struct, error) {
	m := make(map[string]any, len(row))
	for k, v := range row {
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		m[k] = v
	}

	rs, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":  structpb.NewStringValue(FrameInsert),
		"topic": structpb.NewStringValue(topic),
		"row":   structpb.NewStructValue(rs),
	}}, nil
}

// FrameType returns the type field of f, or "" when absent.
func FrameType(f *structpb.Struct) string {
	return f.GetFields()["type"].GetStringValue()
}

// DecodeInsert extracts topic and row from an insert frame. Numbers arrive
// as float64; the sample decoders accept that.
func DecodeInsert(f *structpb.Struct) (string, types.Row, error) {
	if FrameType(f) != FrameInsert {
		return "", nil, fmt.Errorf("%w: frame type '%s'", errors.ErrMalformedEvent, FrameType(f))
	}

	topic := f.GetFields()["topic"].GetStringValue()
	if topic == "" {
		return "", nil, fmt.Errorf("%w: insert without topic", errors.ErrMalformedEvent)
	}

	rs := f.GetFields()["row"].GetStructValue()
	if rs == nil {
		return topic, nil, fmt.Errorf("%w: insert without row", errors.ErrMalformedEvent)
	}
	return topic, types.Row(rs.AsMap()), nil
}
