package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/polisai/polis-dispatch/pkg/domain"
)

var (
	uuidType     = reflect.TypeFor[uuid.UUID]()
	durationType = reflect.TypeFor[time.Duration]()
	timeType     = reflect.TypeFor[time.Time]()
)

// bindParam binds a handler parameter for one call. Values forwarded by an
// upstream InvokeWith live in the value bag and win over properties.
func bindParam[A, T any](handler, name string, pc Context, cont continuation[T]) (A, error) {
	return bind[A](handler, name, pc, cont.overridden(name))
}

// bind resolves the handler parameter name from pc. Unless bagOnly, a
// same-named property of a typed context wins over the value bag when it is
// assignable to A.
func bind[A any](handler, name string, pc Context, bagOnly bool) (A, error) {
	if props, ok := pc.(Properties); ok && !bagOnly {
		if v, ok := props.Property(propertyName(name)); ok {
			if typed, ok := v.(A); ok {
				return typed, nil
			}
			if v != nil {
				out, err := Coerce[A](v)
				if err == nil {
					return out, nil
				}
			}
		}
	}

	var zero A
	v, ok := pc.TryGet(name)
	if !ok {
		return zero, &domain.BindingError{Err: domain.ErrMissingParameter, Handler: handler, Parameter: name}
	}
	out, err := Coerce[A](v)
	if err != nil {
		return zero, &domain.BindingError{Err: domain.ErrCoercion, Handler: handler, Parameter: name, Cause: err}
	}
	return out, nil
}

// propertyName capitalizes the leading letter of a parameter name.
func propertyName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// ContextAs returns pc as the typed context C, failing with a
// *domain.BindingError when the pipeline runs with another context type.
func ContextAs[C Context](handler string, pc Context) (C, error) {
	typed, ok := pc.(C)
	if !ok {
		var zero C
		return zero, &domain.BindingError{
			Err:       domain.ErrCoercion,
			Handler:   handler,
			Parameter: "context",
			Cause:     fmt.Errorf("context is %T, want %s", pc, reflect.TypeFor[C]()),
		}
	}
	return typed, nil
}

// Coerce converts a context value to A. Values already of type A pass
// through; numbers convert across widths when they fit; strings parse into
// numbers, booleans, durations, RFC 3339 times and UUIDs; numbers and
// booleans format into strings.
func Coerce[A any](value any) (A, error) {
	var zero A
	if v, ok := value.(A); ok {
		return v, nil
	}

	target := reflect.TypeFor[A]()
	if value == nil {
		if nillable(target.Kind()) {
			return zero, nil
		}
		return zero, fmt.Errorf("%w: nil to %s", domain.ErrCoercion, target)
	}

	out, err := coerceValue(reflect.ValueOf(value), target)
	if err != nil {
		return zero, err
	}
	return out.Interface().(A), nil
}

func coerceValue(src reflect.Value, target reflect.Type) (reflect.Value, error) {
	fail := func(cause error) (reflect.Value, error) {
		if cause != nil {
			return reflect.Value{}, fmt.Errorf("%w: %s to %s: %v", domain.ErrCoercion, src.Type(), target, cause)
		}
		return reflect.Value{}, fmt.Errorf("%w: %s to %s", domain.ErrCoercion, src.Type(), target)
	}

	out := reflect.New(target).Elem()
	srcKind := src.Kind()

	switch target {
	case uuidType:
		switch {
		case srcKind == reflect.String:
			id, err := uuid.Parse(src.String())
			if err != nil {
				return fail(err)
			}
			out.Set(reflect.ValueOf(id))
			return out, nil
		case src.Type().ConvertibleTo(uuidType):
			return src.Convert(uuidType), nil
		}
		return fail(nil)
	case durationType:
		if srcKind == reflect.String {
			d, err := time.ParseDuration(src.String())
			if err != nil {
				return fail(err)
			}
			out.SetInt(int64(d))
			return out, nil
		}
	case timeType:
		if srcKind == reflect.String {
			t, err := time.Parse(time.RFC3339Nano, src.String())
			if err != nil {
				return fail(err)
			}
			out.Set(reflect.ValueOf(t))
			return out, nil
		}
		return fail(nil)
	}

	switch target.Kind() {
	case reflect.String:
		if s, ok := src.Interface().(fmt.Stringer); ok {
			out.SetString(s.String())
			return out, nil
		}
		switch {
		case srcKind == reflect.String:
			out.SetString(src.String())
		case isInt(srcKind):
			out.SetString(strconv.FormatInt(src.Int(), 10))
		case isUint(srcKind):
			out.SetString(strconv.FormatUint(src.Uint(), 10))
		case isFloat(srcKind):
			out.SetString(strconv.FormatFloat(src.Float(), 'f', -1, 64))
		case srcKind == reflect.Bool:
			out.SetString(strconv.FormatBool(src.Bool()))
		default:
			return fail(nil)
		}
		return out, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch {
		case isInt(srcKind):
			n = src.Int()
		case isUint(srcKind):
			u := src.Uint()
			if u > 1<<63-1 {
				return fail(strconv.ErrRange)
			}
			n = int64(u)
		case isFloat(srcKind):
			f := src.Float()
			if f != float64(int64(f)) {
				return fail(fmt.Errorf("%v is not integral", f))
			}
			n = int64(f)
		case srcKind == reflect.String:
			parsed, err := strconv.ParseInt(strings.TrimSpace(src.String()), 10, 64)
			if err != nil {
				return fail(err)
			}
			n = parsed
		default:
			return fail(nil)
		}
		if out.OverflowInt(n) {
			return fail(strconv.ErrRange)
		}
		out.SetInt(n)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var n uint64
		switch {
		case isUint(srcKind):
			n = src.Uint()
		case isInt(srcKind):
			i := src.Int()
			if i < 0 {
				return fail(strconv.ErrRange)
			}
			n = uint64(i)
		case isFloat(srcKind):
			f := src.Float()
			if f < 0 || f != float64(uint64(f)) {
				return fail(fmt.Errorf("%v is not a non-negative integer", f))
			}
			n = uint64(f)
		case srcKind == reflect.String:
			parsed, err := strconv.ParseUint(strings.TrimSpace(src.String()), 10, 64)
			if err != nil {
				return fail(err)
			}
			n = parsed
		default:
			return fail(nil)
		}
		if out.OverflowUint(n) {
			return fail(strconv.ErrRange)
		}
		out.SetUint(n)
		return out, nil

	case reflect.Float32, reflect.Float64:
		var f float64
		switch {
		case isFloat(srcKind):
			f = src.Float()
		case isInt(srcKind):
			f = float64(src.Int())
		case isUint(srcKind):
			f = float64(src.Uint())
		case srcKind == reflect.String:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(src.String()), 64)
			if err != nil {
				return fail(err)
			}
			f = parsed
		default:
			return fail(nil)
		}
		if out.OverflowFloat(f) {
			return fail(strconv.ErrRange)
		}
		out.SetFloat(f)
		return out, nil

	case reflect.Bool:
		switch srcKind {
		case reflect.Bool:
			out.SetBool(src.Bool())
		case reflect.String:
			b, err := strconv.ParseBool(strings.TrimSpace(src.String()))
			if err != nil {
				return fail(err)
			}
			out.SetBool(b)
		default:
			return fail(nil)
		}
		return out, nil
	}

	if srcKind == target.Kind() && src.Type().ConvertibleTo(target) {
		return src.Convert(target), nil
	}
	if target.Kind() == reflect.Interface && src.Type().Implements(target) {
		out.Set(src)
		return out, nil
	}
	return fail(nil)
}

func nillable(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
