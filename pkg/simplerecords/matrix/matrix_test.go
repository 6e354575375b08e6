package matrix_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

func TestDecodeJSON(t *testing.T) {
	t.Run("TwoDimensional", func(t *testing.T) {
		m, err := matrix.DecodeJSON(strings.NewReader(`[[1.5, 2.25], [3.0, 4]]`))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, m.Shape)
		assert.Equal(t, []float64{1.5, 2.25, 3.0, 4.0}, m.Values)

		v, err := m.At(1, 0)
		require.NoError(t, err)
		assert.Equal(t, 3.0, v)
	})

	t.Run("Scalar", func(t *testing.T) {
		m, err := matrix.DecodeJSON(strings.NewReader(`42`))
		require.NoError(t, err)
		assert.Empty(t, m.Shape)
		assert.Equal(t, []float64{42}, m.Values)
	})

	t.Run("Empty", func(t *testing.T) {
		m, err := matrix.DecodeJSON(strings.NewReader(`[]`))
		require.NoError(t, err)
		assert.Equal(t, []int{0}, m.Shape)
		assert.Empty(t, m.Values)
	})

	t.Run("ThreeDimensional", func(t *testing.T) {
		m, err := matrix.DecodeJSON(strings.NewReader(`[[[1,2],[3,4]],[[5,6],[7,8]]]`))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2, 2}, m.Shape)
		v, err := m.At(1, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, 6.0, v)
	})

	rejected := map[string]string{
		"Strings":      `["a", "b"]`,
		"Ragged":       `[[1, 2], [3]]`,
		"MixedDepth":   `[[1, 2], 3]`,
		"Null":         `[1, null]`,
		"Object":       `{"a": 1}`,
		"Bool":         `[true]`,
		"Trailing":     `[1] [2]`,
		"NotJSON":      `not json`,
		"OutOfRange":   `[1e400]`,
		"NestedString": `[[1], ["x"]]`,
	}
	for name, payload := range rejected {
		t.Run("Rejects"+name, func(t *testing.T) {
			_, err := matrix.DecodeJSON(strings.NewReader(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, matrix.ErrMalformed)
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	values := []float64{1.5, 2.25, 3.0, 4.0, 0.1, 1e-300, -7, 123456789.123456789, math.MaxFloat64, math.SmallestNonzeroFloat64}
	m, err := matrix.New([]int{2, 5}, values)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, matrix.EncodeJSON(&buf, m))

	decoded, err := matrix.DecodeJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Shape, decoded.Shape)
	for i := range values {
		assert.Equal(t, math.Float64bits(values[i]), math.Float64bits(decoded.Values[i]), "value %d", i)
	}
}

func TestEncodeJSONFormatting(t *testing.T) {
	m, err := matrix.New([]int{2, 2}, []float64{1.5, 2.25, 3.0, 4.0})
	require.NoError(t, err)

	out, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `[[1.5,2.25],[3,4]]`, string(out))

	_, err = (&matrix.Matrix{Shape: []int{1}, Values: []float64{math.NaN()}}).MarshalJSON()
	assert.ErrorIs(t, err, matrix.ErrMalformed)
}

func TestNPYRoundTrip(t *testing.T) {
	shapes := [][]int{{2, 2}, {4}, {}, {2, 3, 1}, {0}}
	for _, shape := range shapes {
		n := 1
		for _, d := range shape {
			n *= d
		}
		values := make([]float64, n)
		for i := range values {
			values[i] = float64(i)*1.25 - 0.1
		}
		m, err := matrix.New(shape, values)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, matrix.EncodeNPY(&buf, m))
		assert.Equal(t, 0, (buf.Len()-8*n)%64, "header must be 64-byte aligned")

		decoded, err := matrix.DecodeNPY(&buf)
		require.NoError(t, err)
		assert.Equal(t, shape, decoded.Shape)
		assert.Equal(t, values, decoded.Values)
	}
}

func TestNPYExampleMatrix(t *testing.T) {
	m, err := matrix.New([]int{2, 2}, []float64{1.5, 2.25, 3.0, 4.0})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, matrix.Encode(matrix.MediaTypeNumpy, &buf, m))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x93NUMPY\x01\x00")))
	assert.Contains(t, buf.String(), "'shape': (2, 2)")

	decoded, err := matrix.Decode(matrix.MediaTypeNumpy, &buf)
	require.NoError(t, err)
	assert.Equal(t, m.Values, decoded.Values)
}

// npyFixture builds an .npy payload by hand the way numpy lays it out.
func npyFixture(t *testing.T, header string, payload []byte) []byte {
	t.Helper()
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	buf.Write(payload)
	return buf.Bytes()
}

func TestDecodeNPYDTypes(t *testing.T) {
	t.Run("Int64", func(t *testing.T) {
		payload := make([]byte, 24)
		for i, v := range []int64{-1, 0, 7} {
			binary.LittleEndian.PutUint64(payload[i*8:], uint64(v))
		}
		data := npyFixture(t, "{'descr': '<i8', 'fortran_order': False, 'shape': (3,), }", payload)
		m, err := matrix.DecodeNPY(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, []float64{-1, 0, 7}, m.Values)
	})

	t.Run("BigEndianFloat64", func(t *testing.T) {
		payload := make([]byte, 16)
		binary.BigEndian.PutUint64(payload, math.Float64bits(1.5))
		binary.BigEndian.PutUint64(payload[8:], math.Float64bits(-2.5))
		data := npyFixture(t, "{'descr': '>f8', 'fortran_order': False, 'shape': (2,), }", payload)
		m, err := matrix.DecodeNPY(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, []float64{1.5, -2.5}, m.Values)
	})

	t.Run("FortranOrder", func(t *testing.T) {
		// [[1, 2, 3], [4, 5, 6]] stored column by column
		payload := make([]byte, 48)
		for i, v := range []float64{1, 4, 2, 5, 3, 6} {
			binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(v))
		}
		data := npyFixture(t, "{'descr': '<f8', 'fortran_order': True, 'shape': (2, 3), }", payload)
		m, err := matrix.DecodeNPY(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, m.Shape)
		assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, m.Values)
	})

	t.Run("Rejects", func(t *testing.T) {
		// HugeShape claims 8 TiB of payload with only 16 bytes behind it;
		// OverflowingShape has an element count that wraps to zero.
		bad := map[string][]byte{
			"NoMagic":          []byte("PK\x03\x04 not numpy at all"),
			"Truncated":        npyFixture(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (4,), }", make([]byte, 8)),
			"ObjectDType":      npyFixture(t, "{'descr': '|O', 'fortran_order': False, 'shape': (1,), }", make([]byte, 8)),
			"MissingShape":     npyFixture(t, "{'descr': '<f8', 'fortran_order': False, }", nil),
			"Empty":            {},
			"HugeShape":        npyFixture(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (1099511627776,), }", make([]byte, 16)),
			"OverflowingShape": npyFixture(t, "{'descr': '<f8', 'fortran_order': False, 'shape': (4611686018427387904, 4), }", nil),
		}
		for name, data := range bad {
			_, err := matrix.DecodeNPY(bytes.NewReader(data))
			assert.ErrorIs(t, err, matrix.ErrMalformed, name)
		}
	})
}

func TestNegotiation(t *testing.T) {
	assert.Equal(t, matrix.MediaTypeJSON, matrix.NegotiateMediaType(""))
	assert.Equal(t, matrix.MediaTypeJSON, matrix.NegotiateMediaType("application/json"))
	assert.Equal(t, matrix.MediaTypeJSON, matrix.NegotiateMediaType("*/*"))
	assert.Equal(t, matrix.MediaTypeNumpy, matrix.NegotiateMediaType("application/x-numpy"))
	assert.Equal(t, matrix.MediaTypeNumpy, matrix.NegotiateMediaType("text/html, application/x-numpy;q=0.9"))

	_, err := matrix.Decode("text/csv", strings.NewReader("1,2"))
	assert.ErrorIs(t, err, matrix.ErrUnsupportedMediaType)

	m, err := matrix.Decode("application/json; charset=utf-8", strings.NewReader("[1,2]"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, m.Values)
}

func TestNewValidatesShape(t *testing.T) {
	_, err := matrix.New([]int{2, 2}, []float64{1, 2, 3})
	assert.ErrorIs(t, err, matrix.ErrMalformed)

	_, err = matrix.New([]int{-1}, nil)
	assert.ErrorIs(t, err, matrix.ErrMalformed)

	_, err = matrix.New([]int{1 << 62, 4}, nil)
	assert.ErrorIs(t, err, matrix.ErrMalformed)
}
