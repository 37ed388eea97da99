package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errUnknownFrame     = errors.New("unknown frame type")
	errMissingFrameData = errors.New("frame has no data")
)

// Frames travel as google.protobuf.Struct values of the form
// {"type": "<frame type>", "data": <payload>}. Token frames carry a string
// payload; every other frame carries an object.

// EncodeFrame converts f to its wire form.
func EncodeFrame(f *Frame) (*structpb.Struct, error) {
	var (
		data *structpb.Value
		err  error
	)
	switch f.Type {
	case FrameToken:
		data = structpb.NewStringValue(f.Token)
	case FrameReasoningStep:
		data, err = encodePayload(f.Step, f.Step == nil)
	case FrameCitation:
		data, err = encodePayload(f.Citation, f.Citation == nil)
	case FrameAgentAction:
		data, err = encodePayload(f.Action, f.Action == nil)
	case FrameComplete:
		data, err = encodePayload(f.Complete, f.Complete == nil)
	case FrameError:
		data, err = encodePayload(f.Error, f.Error == nil)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrame, f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(string(f.Type)),
		"data": data,
	}}, nil
}

// DecodeFrame parses a wire frame.
func DecodeFrame(msg *structpb.Struct) (*Frame, error) {
	fields := msg.GetFields()
	f := &Frame{Type: FrameType(fields["type"].GetStringValue())}
	data := fields["data"]

	var err error
	switch f.Type {
	case FrameToken:
		f.Token = data.GetStringValue()
	case FrameReasoningStep:
		f.Step = &ReasoningStepPayload{}
		err = decodePayload(data, f.Step)
	case FrameCitation:
		f.Citation = &CitationPayload{}
		err = decodePayload(data, f.Citation)
	case FrameAgentAction:
		f.Action = &AgentActionPayload{}
		err = decodePayload(data, f.Action)
	case FrameComplete:
		f.Complete = &CompletePayload{}
		if data != nil {
			err = decodePayload(data, f.Complete)
		}
	case FrameError:
		f.Error = &ErrorPayload{}
		if s, ok := data.GetKind().(*structpb.Value_StringValue); ok {
			f.Error.Message = s.StringValue
		} else {
			err = decodePayload(data, f.Error)
		}
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrame, f.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return f, nil
}

func encodePayload(v any, isNil bool) (*structpb.Value, error) {
	if isNil {
		return nil, errMissingFrameData
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Value{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodePayload(v *structpb.Value, out any) error {
	if v == nil {
		return errMissingFrameData
	}
	raw, err := protojson.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (r QueryRequest) toStruct() (*structpb.Struct, error) {
	v, err := encodePayload(r, false)
	if err != nil {
		return nil, fmt.Errorf("encode query request: %w", err)
	}
	return v.GetStructValue(), nil
}

func queryRequestFromStruct(s *structpb.Struct) (QueryRequest, error) {
	var req QueryRequest
	raw, err := protojson.Marshal(s)
	if err != nil {
		return req, fmt.Errorf("decode query request: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode query request: %w", err)
	}
	return req, nil
}
