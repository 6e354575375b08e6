package matrix

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

// DecodeJSON parses a number or arbitrarily nested, rectangular arrays of
// numbers. Numbers are parsed from their literal text so no precision is lost
// beyond float64 itself.
func DecodeJSON(r io.Reader) (*Matrix, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after array", ErrMalformed)
	}

	shape := inferShape(raw)
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, n)
	if err := flatten(raw, shape, 0, &values); err != nil {
		return nil, err
	}
	return &Matrix{Shape: shape, Values: values}, nil
}

func inferShape(v interface{}) []int {
	shape := []int{}
	for {
		arr, ok := v.([]interface{})
		if !ok {
			return shape
		}
		shape = append(shape, len(arr))
		if len(arr) == 0 {
			return shape
		}
		v = arr[0]
	}
}

func flatten(v interface{}, shape []int, depth int, out *[]float64) error {
	if depth == len(shape) {
		num, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("%w: expected a number, got %T", ErrMalformed, v)
		}
		f, err := strconv.ParseFloat(num.String(), 64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		*out = append(*out, f)
		return nil
	}

	arr, ok := v.([]interface{})
	if !ok {
		return fmt.Errorf("%w: expected an array at depth %d", ErrMalformed, depth)
	}
	if len(arr) != shape[depth] {
		return fmt.Errorf("%w: ragged array at depth %d (%d != %d)", ErrMalformed, depth, len(arr), shape[depth])
	}
	for _, item := range arr {
		if err := flatten(item, shape, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}

// EncodeJSON writes m as nested arrays using the shortest representation that
// parses back to the identical float64.
func EncodeJSON(w io.Writer, m *Matrix) error {
	n, err := elementCount(m.Shape)
	if err != nil {
		return err
	}
	if n != len(m.Values) {
		return fmt.Errorf("%w: shape %v does not match %d values", ErrMalformed, m.Shape, len(m.Values))
	}

	bw := bufio.NewWriter(w)
	pos := 0
	if err := writeJSONAxis(bw, m, 0, &pos); err != nil {
		return err
	}
	return bw.Flush()
}

func writeJSONAxis(w *bufio.Writer, m *Matrix, axis int, pos *int) error {
	if axis == len(m.Shape) {
		v := m.Values[*pos]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v cannot be represented in JSON", ErrMalformed, v)
		}
		*pos++
		_, err := w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		return err
	}

	if err := w.WriteByte('['); err != nil {
		return err
	}
	for i := 0; i < m.Shape[axis]; i++ {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if err := writeJSONAxis(w, m, axis+1, pos); err != nil {
			return err
		}
	}
	return w.WriteByte(']')
}
