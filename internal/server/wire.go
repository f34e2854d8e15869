package server

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/dli"
)

var ErrBadMessage = errors.New("malformed message")

// CallRequest one call as carried over the wire. SSAs use the text form read
// by dli.ParseSSA.
type CallRequest struct {
	PCB     string
	Code    dli.Code
	SSAs    []string
	Overlay string
	Fields  codec.Values
	Raw     []byte
}

// CallReply outcome of a remote call. Decimal values arrive as strings.
type CallReply struct {
	Status  dli.Status
	Err     string
	Segment *dli.SegmentView
}

func EncodeOpen(psb string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"psb": structpb.NewStringValue(psb),
	}}
}

func EncodeOpened(session string, pcbs []string) *structpb.Struct {
	list := make([]*structpb.Value, 0, len(pcbs))
	for _, p := range pcbs {
		list = append(list, structpb.NewStringValue(p))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session": structpb.NewStringValue(session),
		"pcbs":    structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// DecodeOpened returns the session id and PCB names of an Open reply
func DecodeOpened(s *structpb.Struct) (string, []string, error) {
	session := str(s, "session")
	if session == "" {
		return "", nil, fmt.Errorf("%w: open reply without session", ErrBadMessage)
	}
	var pcbs []string
	for _, v := range s.GetFields()["pcbs"].GetListValue().GetValues() {
		pcbs = append(pcbs, v.GetStringValue())
	}
	return session, pcbs, nil
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// wireValue converts a codec value to a JSON compatible one
func wireValue(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	}
	return v
}

func EncodeCall(req CallRequest) (*structpb.Struct, error) {
	ssas := make([]any, 0, len(req.SSAs))
	for _, s := range req.SSAs {
		ssas = append(ssas, s)
	}
	fields := make(map[string]any, len(req.Fields))
	for k, v := range req.Fields {
		fields[k] = wireValue(v)
	}
	io := map[string]any{
		"overlay": req.Overlay,
		"fields":  fields,
	}
	if req.Raw != nil {
		io["raw"] = base64.StdEncoding.EncodeToString(req.Raw)
	}
	s, err := structpb.NewStruct(map[string]any{
		"pcb":  req.PCB,
		"code": string(req.Code),
		"ssa":  ssas,
		"io":   io,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	return s, nil
}

func DecodeCall(s *structpb.Struct) (CallRequest, error) {
	req := CallRequest{
		PCB:  str(s, "pcb"),
		Code: dli.Code(str(s, "code")),
	}
	if req.PCB == "" || req.Code == "" {
		return CallRequest{}, fmt.Errorf("%w: call needs pcb and code", ErrBadMessage)
	}
	for _, v := range s.GetFields()["ssa"].GetListValue().GetValues() {
		text, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return CallRequest{}, fmt.Errorf("%w: ssa must be text", ErrBadMessage)
		}
		req.SSAs = append(req.SSAs, text.StringValue)
	}

	io := s.GetFields()["io"].GetStructValue()
	req.Overlay = str(io, "overlay")
	if raw := str(io, "raw"); raw != "" {
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return CallRequest{}, fmt.Errorf("%w: raw: %w", ErrBadMessage, err)
		}
		req.Raw = b
	}
	if fields := io.GetFields()["fields"].GetStructValue(); len(fields.GetFields()) > 0 {
		req.Fields = make(codec.Values, len(fields.GetFields()))
		for k, v := range fields.AsMap() {
			req.Fields[k] = v
		}
	}
	return req, nil
}

func encodeView(v *dli.SegmentView) map[string]any {
	views := make(map[string]any, len(v.Views))
	for overlay, values := range v.Views {
		m := make(map[string]any, len(values))
		for k, x := range values {
			m[k] = wireValue(x)
		}
		views[overlay] = m
	}
	return map[string]any{
		"type":  v.Type,
		"level": v.Level,
		"id":    fmt.Sprint(v.ID),
		"key":   base64.StdEncoding.EncodeToString(v.Key),
		"raw":   base64.StdEncoding.EncodeToString(v.Raw),
		"views": views,
	}
}

func EncodeReply(res dli.Result) (*structpb.Struct, error) {
	m := map[string]any{
		"status": res.Status.String(),
		"code":   res.Status.Code(),
	}
	if res.Err != nil {
		m["error"] = res.Err.Error()
	}
	if res.Segment != nil {
		m["segment"] = encodeView(res.Segment)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	return s, nil
}

func DecodeReply(s *structpb.Struct) (CallReply, error) {
	st, ok := dli.ParseStatus(str(s, "status"))
	if !ok {
		return CallReply{}, fmt.Errorf("%w: status %q", ErrBadMessage, str(s, "status"))
	}
	reply := CallReply{Status: st, Err: str(s, "error")}

	seg := s.GetFields()["segment"].GetStructValue()
	if seg == nil {
		return reply, nil
	}
	view := &dli.SegmentView{
		Type:  str(seg, "type"),
		Level: int(seg.GetFields()["level"].GetNumberValue()),
		Views: make(codec.Views),
	}
	if _, err := fmt.Sscan(str(seg, "id"), &view.ID); err != nil {
		return CallReply{}, fmt.Errorf("%w: segment id: %w", ErrBadMessage, err)
	}
	var err error
	if view.Key, err = base64.StdEncoding.DecodeString(str(seg, "key")); err != nil {
		return CallReply{}, fmt.Errorf("%w: segment key: %w", ErrBadMessage, err)
	}
	if view.Raw, err = base64.StdEncoding.DecodeString(str(seg, "raw")); err != nil {
		return CallReply{}, fmt.Errorf("%w: segment raw: %w", ErrBadMessage, err)
	}
	for overlay, values := range seg.GetFields()["views"].GetStructValue().GetFields() {
		view.Views[overlay] = values.GetStructValue().AsMap()
	}
	reply.Segment = view
	return reply, nil
}
