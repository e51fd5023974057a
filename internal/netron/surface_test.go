package netron

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/netwire/internal/testutil/testlog"
)

func TestSurfaceValidation(t *testing.T) {
	testlog.Start(t)
	get := func(context.Context) (any, error) { return 1, nil }
	cases := []struct {
		name    string
		members []Member
		want    error
	}{
		{"unnamed", []Member{Method("", returning(nil))}, ErrInvalidArgument},
		{"duplicate", []Member{Method("m", returning(nil)), Property("m", get, nil)}, ErrAlreadyExists},
		{"no call", []Member{{Name: "m", Kind: KindMethod}}, ErrInvalidArgument},
		{"no getter", []Member{{Name: "p", Kind: KindProperty, ReadOnly: true}}, ErrInvalidArgument},
		{"writable without setter", []Member{{Name: "p", Kind: KindProperty, Get: get}}, ErrInvalidArgument},
		{"unknown kind", []Member{{Name: "x"}}, ErrInvalidArgument},
	}
	for _, tc := range cases {
		if _, err := NewSurface("T", tc.members...); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
	if _, err := NewSurface(""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty type name accepted")
	}
}

func TestSurfaceExtendComposesMembers(t *testing.T) {
	testlog.Start(t)
	base, err := NewSurface("A", Method("methodA", returning("aaa")))
	if err != nil {
		t.Fatalf("base: %v", err)
	}
	derived, err := base.Extend("B", Method("methodB", returning("bbb")))
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got := derived.Names(); !reflect.DeepEqual(got, []string{"methodA", "methodB"}) {
		t.Fatalf("names=%v", got)
	}
	if got := base.Names(); !reflect.DeepEqual(got, []string{"methodA"}) {
		t.Fatalf("base changed: %v", got)
	}
	if _, err := base.Extend("C", Method("methodA", returning(nil))); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("shadowing accepted: %v", err)
	}

	def := newDefinition(7, 3, "b", derived.Describe("second letter"))
	if def.Type != "B" || len(def.Members) != 2 || def.Members[0].Kind != KindMethod {
		t.Fatalf("definition=%+v", def)
	}
	if _, ok := def.Member("methodB"); !ok {
		t.Fatalf("definition lost methodB")
	}
	if def.ParentID != 3 || def.Description != "second letter" {
		t.Fatalf("parent/description=%d %q", def.ParentID, def.Description)
	}
	if base.Description() != "" {
		t.Fatalf("describe leaked into base: %q", base.Description())
	}
}
