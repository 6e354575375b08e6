// Package matrix holds the n-dimensional float64 array stored by matrix
// records, together with its two wire encodings: nested JSON arrays and the
// NumPy .npy binary format.
package matrix

import (
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"strings"
)

// Media types understood by Decode and Encode.
const (
	MediaTypeJSON  = "application/json"
	MediaTypeNumpy = "application/x-numpy"
)

var (
	// ErrMalformed indicates a payload that is not a well-formed numeric array
	ErrMalformed = errors.New("malformed matrix payload")

	// ErrUnsupportedMediaType indicates a payload encoding this package does not speak
	ErrUnsupportedMediaType = errors.New("unsupported matrix media type")
)

// Matrix is an n-dimensional array of float64 stored in row-major order.
// A zero-length Shape denotes a scalar holding exactly one value.
type Matrix struct {
	Shape  []int
	Values []float64
	// Labels optionally names the entries along each axis.
	Labels [][]string
}

// New builds a matrix after checking that values fill shape exactly.
func New(shape []int, values []float64) (*Matrix, error) {
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if n != len(values) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrMalformed, shape, n, len(values))
	}
	return &Matrix{Shape: append([]int(nil), shape...), Values: values}, nil
}

// Len returns the number of elements.
func (m *Matrix) Len() int {
	return len(m.Values)
}

// At returns the element at the given multi-index.
func (m *Matrix) At(index ...int) (float64, error) {
	if len(index) != len(m.Shape) {
		return 0, fmt.Errorf("index has %d axes, matrix has %d", len(index), len(m.Shape))
	}
	offset := 0
	for axis, i := range index {
		if i < 0 || i >= m.Shape[axis] {
			return 0, fmt.Errorf("index %d out of range for axis %d of size %d", i, axis, m.Shape[axis])
		}
		offset = offset*m.Shape[axis] + i
	}
	return m.Values[offset], nil
}

// MarshalJSON renders the matrix as nested arrays.
func (m *Matrix) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	if err := EncodeJSON(&sb, m); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// UnmarshalJSON parses nested arrays into the matrix. Labels are left untouched.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeJSON(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	m.Shape = decoded.Shape
	m.Values = decoded.Values
	return nil
}

// Decode reads a matrix in the encoding named by contentType.
func Decode(contentType string, r io.Reader) (*Matrix, error) {
	switch baseMediaType(contentType) {
	case MediaTypeJSON, "":
		return DecodeJSON(r)
	case MediaTypeNumpy:
		return DecodeNPY(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, contentType)
	}
}

// Encode writes m in the encoding named by mediaType.
func Encode(mediaType string, w io.Writer, m *Matrix) error {
	switch baseMediaType(mediaType) {
	case MediaTypeJSON, "":
		return EncodeJSON(w, m)
	case MediaTypeNumpy:
		return EncodeNPY(w, m)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
}

// NegotiateMediaType picks the response encoding for an Accept header.
// The binary format is only used when the client asks for it.
func NegotiateMediaType(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		if baseMediaType(part) == MediaTypeNumpy {
			return MediaTypeNumpy
		}
	}
	return MediaTypeJSON
}

func baseMediaType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(v)
	}
	return mt
}

func elementCount(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in shape %v", ErrMalformed, shape)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: shape %v is too large", ErrMalformed, shape)
		}
		n *= d
	}
	return n, nil
}
