package opcuaclient

import (
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Value is the tagged union dynamic-typed values take crossing the OPC UA
// boundary. The typed-fallback write cascade used for watermarks is a loop
// over this union.
type Value struct {
	Kind Kind

	Bool     bool
	Int32    int32
	Int64    int64
	Double   float64
	String   string
	DateTime time.Time
}

type Kind int

const (
	KindBool Kind = iota
	KindInt32
	KindInt64
	KindDouble
	KindString
	KindDateTime
)

func BoolValue(v bool) Value          { return Value{Kind: KindBool, Bool: v} }
func Int32Value(v int32) Value        { return Value{Kind: KindInt32, Int32: v} }
func Int64Value(v int64) Value        { return Value{Kind: KindInt64, Int64: v} }
func DoubleValue(v float64) Value     { return Value{Kind: KindDouble, Double: v} }
func StringValue(v string) Value      { return Value{Kind: KindString, String: v} }
func DateTimeValue(v time.Time) Value { return Value{Kind: KindDateTime, DateTime: v} }

// toVariant converts a Value into the ua.Variant the gopcua client writes.
func (v Value) toVariant() (*ua.Variant, error) {
	switch v.Kind {
	case KindBool:
		return ua.NewVariant(v.Bool)
	case KindInt32:
		return ua.NewVariant(v.Int32)
	case KindInt64:
		return ua.NewVariant(v.Int64)
	case KindDouble:
		return ua.NewVariant(v.Double)
	case KindString:
		return ua.NewVariant(v.String)
	case KindDateTime:
		return ua.NewVariant(v.DateTime)
	default:
		return nil, fmt.Errorf("opcuaclient: unknown value kind %d", v.Kind)
	}
}

// valueFromVariant converts a ua.Variant read off the wire into a Value.
func valueFromVariant(v *ua.Variant) Value {
	if v == nil {
		return Value{Kind: KindString, String: ""}
	}
	switch val := v.Value().(type) {
	case bool:
		return BoolValue(val)
	case int8:
		return Int32Value(int32(val))
	case uint8:
		return Int32Value(int32(val))
	case int16:
		return Int32Value(int32(val))
	case uint16:
		return Int32Value(int32(val))
	case int32:
		return Int32Value(val)
	case uint32:
		return Int64Value(int64(val))
	case int64:
		return Int64Value(val)
	case uint64:
		return Int64Value(int64(val))
	case float32:
		return DoubleValue(float64(val))
	case float64:
		return DoubleValue(val)
	case string:
		return StringValue(val)
	case time.Time:
		return DateTimeValue(val)
	default:
		return StringValue(fmt.Sprintf("%v", val))
	}
}

// AsString renders a Value as plain text: booleans as true/false, numbers in
// decimal, timestamps in the watermark layout, strings unchanged (not
// trimmed).
func (v Value) AsString() string {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindInt32:
		return fmt.Sprintf("%d", v.Int32)
	case KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case KindDouble:
		return fmt.Sprintf("%v", v.Double)
	case KindString:
		return v.String
	case KindDateTime:
		return v.DateTime.Format("2006-01-02T15:04:05.000")
	default:
		return ""
	}
}
