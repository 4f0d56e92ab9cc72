package di

import (
	"fmt"
	"reflect"

	apperrors "blueprint-backend/internal/errors"
)

// FactoryFunc builds an instance from its resolved dependencies, passed in
// the order of the provider's Inject list.
type FactoryFunc func(deps ...any) (any, error)

// Provider describes how to produce the instance for a token. Exactly one of
// UseValue, UseFactory or UseClass is set.
type Provider struct {
	Provide    Token
	UseValue   any
	UseFactory FactoryFunc
	Inject     []Token
	UseClass   *Class
}

// Class is a constructor together with its declared parameter types.
// Parameter i resolves Overrides[i] when present, else the type token of Params[i].
type Class struct {
	Type      reflect.Type
	Params    []reflect.Type
	Overrides map[int]Token
	Construct FactoryFunc

	err error
}

// Value provides a pre-built instance.
func Value(token Token, v any) Provider {
	return Provider{Provide: token, UseValue: v}
}

// Factory provides the result of fn called with the resolved inject tokens.
func Factory(token Token, fn FactoryFunc, inject ...Token) Provider {
	return Provider{Provide: token, UseFactory: fn, Inject: inject}
}

// ClassOf provides an instance built by class. A zero token defaults to the
// type token of the class's produced type.
func ClassOf(token Token, class *Class) Provider {
	return Provider{Provide: token, UseClass: class}
}

// Constructor describes fn as a class. fn must be a non-variadic function
// returning T or (T, error). The signature is read once, at registration.
func Constructor(fn any) *Class {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return &Class{err: fmt.Errorf("constructor must be a function, got %T", fn)}
	}
	t := v.Type()
	if t.IsVariadic() {
		return &Class{err: fmt.Errorf("constructor %s must not be variadic", t)}
	}
	switch {
	case t.NumOut() == 1:
	case t.NumOut() == 2 && t.Out(1) == errorType:
	default:
		return &Class{err: fmt.Errorf("constructor %s must return T or (T, error)", t)}
	}

	params := make([]reflect.Type, t.NumIn())
	for i := range params {
		params[i] = t.In(i)
	}

	return &Class{
		Type:   t.Out(0),
		Params: params,
		Construct: func(args ...any) (any, error) {
			if len(args) != len(params) {
				return nil, apperrors.Configuration(apperrors.CodeInvalidProvider, "constructor called with the wrong number of arguments").
					WithDetails("%s takes %d, got %d", t, len(params), len(args)).
					Build()
			}
			in := make([]reflect.Value, len(args))
			for i, arg := range args {
				if arg == nil {
					in[i] = reflect.Zero(params[i])
					continue
				}
				in[i] = reflect.ValueOf(arg)
				if !in[i].Type().AssignableTo(params[i]) {
					return nil, apperrors.Configuration(apperrors.CodeInvalidProvider, "dependency does not match constructor parameter").
						WithDetails("parameter %d of %s wants %s, got %s", i, t, params[i], in[i].Type()).
						Build()
				}
			}
			out := v.Call(in)
			if len(out) == 2 && !out[1].IsNil() {
				return nil, out[1].Interface().(error)
			}
			return out[0].Interface(), nil
		},
	}
}

// Override resolves parameter pos through token instead of its declared type.
func (c *Class) Override(pos int, token Token) *Class {
	if c.Overrides == nil {
		c.Overrides = make(map[int]Token)
	}
	c.Overrides[pos] = token
	return c
}

// dependency returns the token parameter i resolves and whether it was overridden.
func (c *Class) dependency(i int) (Token, bool) {
	if tok, ok := c.Overrides[i]; ok {
		return tok, true
	}
	return TypeTokenOf(c.Params[i]), false
}

type providerKind int

const (
	kindValue providerKind = iota
	kindFactory
	kindClass
)

// descriptor is a validated registration.
type descriptor struct {
	id      uint64
	token   Token
	kind    providerKind
	value   any
	factory FactoryFunc
	inject  []Token
	class   *Class
}

// owned reports whether the container constructed, and so disposes, the instance.
func (d *descriptor) owned() bool {
	return d.kind != kindValue
}
