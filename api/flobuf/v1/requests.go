package flobufv1

import (
	"math"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// SubscribeRequest is the body of a Subscribe call.
type SubscribeRequest struct {
	ID          string
	Group       string
	Upstream    string
	BaseSeconds uint32
	Window      uint32
	Policy      string
	Expr        string
	Partitions  []int32
	Mask        int32
}

// Struct encodes r for the wire.
func (r SubscribeRequest) Struct() (*structpb.Struct, error) {
	parts := make([]interface{}, len(r.Partitions))
	for i, p := range r.Partitions {
		parts[i] = float64(p)
	}
	return structpb.NewStruct(map[string]interface{}{
		"id":           r.ID,
		"group":        r.Group,
		"upstream":     r.Upstream,
		"base_seconds": float64(r.BaseSeconds),
		"window":       float64(r.Window),
		"policy":       r.Policy,
		"expr":         r.Expr,
		"partitions":   parts,
		"mask":         float64(r.Mask),
	})
}

// ParseSubscribeRequest decodes a Subscribe body. Missing fields keep
// their zero value.
func ParseSubscribeRequest(s *structpb.Struct) (SubscribeRequest, error) {
	f := fields{s: s}
	r := SubscribeRequest{
		ID:          f.str("id"),
		Group:       f.str("group"),
		Upstream:    f.str("upstream"),
		BaseSeconds: f.u32("base_seconds"),
		Window:      f.u32("window"),
		Policy:      f.str("policy"),
		Expr:        f.str("expr"),
		Mask:        f.i32("mask"),
	}
	if v, ok := s.GetFields()["partitions"]; ok {
		list := v.GetListValue()
		if list == nil {
			f.fail("partitions", "list")
		}
		for _, p := range list.GetValues() {
			n, ok := integral(p, math.MinInt32, math.MaxInt32)
			if !ok {
				f.fail("partitions", "list of int32")
				break
			}
			r.Partitions = append(r.Partitions, int32(n))
		}
	}
	return r, f.err
}

// WindowRequest is the body of Purge and Reset calls. Reset ignores the
// window.
type WindowRequest struct {
	Identity    string
	BaseSeconds uint32
	Window      uint32
}

// Struct encodes r for the wire.
func (r WindowRequest) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"identity":     r.Identity,
		"base_seconds": float64(r.BaseSeconds),
		"window":       float64(r.Window),
	})
}

// ParseWindowRequest decodes a Purge or Reset body.
func ParseWindowRequest(s *structpb.Struct) (WindowRequest, error) {
	f := fields{s: s}
	r := WindowRequest{
		Identity:    f.str("identity"),
		BaseSeconds: f.u32("base_seconds"),
		Window:      f.u32("window"),
	}
	return r, f.err
}

// fields reads typed values out of a Struct, keeping the first error.
type fields struct {
	s   *structpb.Struct
	err error
}

func (f *fields) fail(key, want string) {
	if f.err == nil {
		f.err = errors.Newf("field %q: want %s", key, want)
	}
}

func (f *fields) str(key string) string {
	v, ok := f.s.GetFields()[key]
	if !ok {
		return ""
	}
	if _, isStr := v.GetKind().(*structpb.Value_StringValue); !isStr {
		f.fail(key, "string")
		return ""
	}
	return v.GetStringValue()
}

func (f *fields) u32(key string) uint32 {
	v, ok := f.s.GetFields()[key]
	if !ok {
		return 0
	}
	n, ok := integral(v, 0, math.MaxUint32)
	if !ok {
		f.fail(key, "uint32")
	}
	return uint32(n)
}

func (f *fields) i32(key string) int32 {
	v, ok := f.s.GetFields()[key]
	if !ok {
		return 0
	}
	n, ok := integral(v, math.MinInt32, math.MaxInt32)
	if !ok {
		f.fail(key, "int32")
	}
	return int32(n)
}

func integral(v *structpb.Value, lo, hi float64) (int64, bool) {
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	n := nv.NumberValue
	if n != math.Trunc(n) || n < lo || n > hi {
		return 0, false
	}
	return int64(n), true
}
