package di

import (
	"fmt"
	"reflect"
)

// Token identifies a registration. A token is a type identity, a string name
// or a symbol. Tokens are comparable and usable as map keys.
type Token struct {
	name string
	typ  reflect.Type
	sym  *symbol
}

type symbol struct {
	desc string
}

// TypeToken returns the token for the static type T.
func TypeToken[T any]() Token {
	return Token{typ: reflect.TypeOf((*T)(nil)).Elem()}
}

// TypeTokenOf returns the token for a runtime type.
func TypeTokenOf(t reflect.Type) Token {
	return Token{typ: t}
}

// NameToken returns a string token.
func NameToken(name string) Token {
	return Token{name: name}
}

// NewSymbol returns a token that is only equal to itself, whatever its description.
func NewSymbol(desc string) Token {
	return Token{sym: &symbol{desc: desc}}
}

// IsZero reports whether t identifies nothing.
func (t Token) IsZero() bool {
	return t.typ == nil && t.name == "" && t.sym == nil
}

// Type returns the type of a type token, or nil.
func (t Token) Type() reflect.Type {
	return t.typ
}

func (t Token) String() string {
	switch {
	case t.typ != nil:
		return t.typ.String()
	case t.sym != nil:
		return fmt.Sprintf("Symbol(%s)", t.sym.desc)
	case t.name != "":
		return t.name
	default:
		return "<zero token>"
	}
}

// Injectable marks a type as constructible by a class provider. Embed it:
//
//	type Mailer struct {
//		di.Injectable
//		...
//	}
type Injectable struct{}

func (Injectable) injectable() {}

type injectableMarker interface {
	injectable()
}

var (
	markerType = reflect.TypeOf((*injectableMarker)(nil)).Elem()
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// isInjectable reports whether t, or the type it points to, embeds Injectable.
func isInjectable(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Implements(markerType) {
		return true
	}
	return t.Kind() == reflect.Pointer && t.Elem().Implements(markerType)
}

// isBuiltin reports whether an unregistered parameter of type t is left nil
// instead of failing resolution.
func isBuiltin(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return true
	case reflect.Interface:
		return t.NumMethod() == 0
	}
	return false
}
