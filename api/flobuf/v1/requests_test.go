package flobufv1

import (
	"reflect"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestSubscribeRequestRoundTrip(t *testing.T) {
	in := SubscribeRequest{
		ID: "s1", Group: "g", Upstream: "orders",
		BaseSeconds: 1700000000, Window: 42,
		Policy: "custom", Expr: "0",
		Partitions: []int32{-1, 3}, Mask: 0xff,
	}
	s, err := in.Struct()
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	out, err := ParseSubscribeRequest(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestParseRejectsBadFields(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
		want string
	}{
		{name: "fraction", body: map[string]interface{}{"window": 1.5}, want: "window"},
		{name: "negative", body: map[string]interface{}{"base_seconds": -1.0}, want: "base_seconds"},
		{name: "string type", body: map[string]interface{}{"group": 7.0}, want: "group"},
		{name: "partitions", body: map[string]interface{}{"partitions": "all"}, want: "partitions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.body)
			if err != nil {
				t.Fatalf("struct: %v", err)
			}
			_, err = ParseSubscribeRequest(s)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("want error about %s, got %v", tt.want, err)
			}
		})
	}
}

func TestWindowRequest(t *testing.T) {
	s, _ := WindowRequest{Identity: "p", BaseSeconds: 9, Window: 3}.Struct()
	r, err := ParseWindowRequest(s)
	if err != nil || r.Identity != "p" || r.BaseSeconds != 9 || r.Window != 3 {
		t.Fatalf("got %+v %v", r, err)
	}
	empty, err := ParseWindowRequest(&structpb.Struct{})
	if err != nil || empty.Identity != "" {
		t.Fatalf("empty: %+v %v", empty, err)
	}
}
