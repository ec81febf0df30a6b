package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

func stringValue(field string, value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s expects a string, got %T", ErrFieldType, field, value)
	}
}

// floatValue accepts the numeric shapes produced by JSON decoding and structpb.
// A nil or empty value clears the field.
func floatValue(field string, value any) (*float64, error) {
	var f float64
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFieldType, field, err)
		}
		f = parsed
	case string:
		if v == "" {
			return nil, nil
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s expects a number: %v", ErrFieldType, field, err)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("%w: %s expects a number, got %T", ErrFieldType, field, value)
	}
	return &f, nil
}

func setString(dst *string, field string, value any) error {
	v, err := stringValue(field, value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setFloat(dst **float64, field string, value any) error {
	v, err := floatValue(field, value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }
