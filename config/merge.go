package config

import (
	"reflect"
	"time"
)

// MergeNonZero returns a copy of base with every non-zero field in overlay
// applied on top. Strings, ints, floats, and durations override when
// non-zero; bools always take the overlay value; slices override when
// non-empty; maps merge with overlay keys winning; nested structs recurse;
// pointers override when non-nil.
//
// Policy resolution uses this to lay per-route sections over the global
// ones. It runs at load/reload time only, never per-request.
func MergeNonZero[T any](base, overlay T) T {
	result := base
	mergeStruct(reflect.ValueOf(&result).Elem(), reflect.ValueOf(&overlay).Elem())
	return result
}

func mergeStruct(dst, src reflect.Value) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		df := dst.Field(i)
		sf := src.Field(i)
		if !df.CanSet() {
			continue
		}

		switch df.Kind() {
		case reflect.Bool:
			df.SetBool(sf.Bool())

		case reflect.Struct:
			mergeStruct(df, sf)

		case reflect.Int64:
			// Covers time.Duration as well as plain int64
			if df.Type() == reflect.TypeOf(time.Duration(0)) {
				if sf.Int() != 0 {
					df.Set(sf)
				}
				continue
			}
			if !sf.IsZero() {
				df.Set(sf)
			}

		case reflect.Map:
			mergeMap(df, sf)

		case reflect.Ptr:
			if !sf.IsNil() {
				df.Set(sf)
			}

		case reflect.Slice:
			if sf.Len() > 0 {
				df.Set(sf)
			}

		default:
			if !sf.IsZero() {
				df.Set(sf)
			}
		}
	}
}

func mergeMap(dst, src reflect.Value) {
	if src.IsNil() || src.Len() == 0 {
		return
	}
	// Copy into a fresh map so base is never mutated
	merged := reflect.MakeMap(dst.Type())
	if !dst.IsNil() {
		for _, k := range dst.MapKeys() {
			merged.SetMapIndex(k, dst.MapIndex(k))
		}
	}
	for _, k := range src.MapKeys() {
		merged.SetMapIndex(k, src.MapIndex(k))
	}
	dst.Set(merged)
}
