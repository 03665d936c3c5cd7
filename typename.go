package eventsourcing

import "reflect"

// TypeName returns the bare name of v's concrete type, with any pointer
// indirection removed. It is only meaningful for named, non-generic types.
func TypeName(v any) string {
	return nameOf(reflect.TypeOf(v))
}

// TypeNameFor returns the bare name of T.
func TypeNameFor[T any]() string {
	return nameOf(reflect.TypeFor[T]())
}

func nameOf(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
