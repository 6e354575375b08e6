package matrix

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

var (
	descrPattern   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranPattern = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapePattern   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// DecodeNPY reads an array in NumPy .npy format (versions 1.0 to 3.0).
// Numeric dtypes of either byte order are converted to float64.
func DecodeNPY(r io.Reader) (*Matrix, error) {
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("%w: short npy preamble: %v", ErrMalformed, err)
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return nil, fmt.Errorf("%w: missing npy magic", ErrMalformed)
	}

	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("%w: unsupported npy version %d", ErrMalformed, major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short npy header: %v", ErrMalformed, err)
	}
	dt, fortran, shape, err := parseNPYHeader(string(header))
	if err != nil {
		return nil, err
	}

	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt/dt.size {
		return nil, fmt.Errorf("%w: npy shape %v is too large", ErrMalformed, shape)
	}
	// The buffer grows with the bytes actually received, never with the
	// size the header claims.
	want := int64(n * dt.size)
	data, err := io.ReadAll(io.LimitReader(r, want))
	if err != nil {
		return nil, fmt.Errorf("%w: reading npy payload: %w", ErrMalformed, err)
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("%w: short npy payload: got %d of %d bytes", ErrMalformed, len(data), want)
	}

	values := make([]float64, n)
	for i := range values {
		values[i] = dt.read(data[i*dt.size : (i+1)*dt.size])
	}
	if fortran && len(shape) > 1 {
		values = fortranToRowMajor(values, shape)
	}
	return &Matrix{Shape: shape, Values: values}, nil
}

// EncodeNPY writes m as a little-endian float64 .npy array.
func EncodeNPY(w io.Writer, m *Matrix) error {
	n, err := elementCount(m.Shape)
	if err != nil {
		return err
	}
	if n != len(m.Values) {
		return fmt.Errorf("%w: shape %v does not match %d values", ErrMalformed, m.Shape, len(m.Values))
	}

	dims := make([]string, len(m.Shape))
	for i, d := range m.Shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := "(" + strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	shape += ")"
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': %s, }", shape)

	// Preamble plus header is padded with spaces to a multiple of 64 bytes and
	// terminated by a newline.
	major := byte(1)
	lenFieldSize := 2
	total := len(npyMagic) + 2 + lenFieldSize + len(header) + 1
	if total+63 > math.MaxUint16 {
		major = 2
		lenFieldSize = 4
		total = len(npyMagic) + 2 + lenFieldSize + len(header) + 1
	}
	if rem := total % 64; rem != 0 {
		header += strings.Repeat(" ", 64-rem)
	}
	header += "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.WriteByte(major)
	buf.WriteByte(0)
	if major == 1 {
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	} else {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(header)))
	}
	buf.WriteString(header)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}

	payload := make([]byte, 8*len(m.Values))
	for i, v := range m.Values {
		binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(v))
	}
	_, err = w.Write(payload)
	return err
}

type npyDType struct {
	size int
	read func([]byte) float64
}

func parseNPYHeader(header string) (npyDType, bool, []int, error) {
	descr := descrPattern.FindStringSubmatch(header)
	if descr == nil {
		return npyDType{}, false, nil, fmt.Errorf("%w: npy header lacks descr", ErrMalformed)
	}
	dt, err := lookupDType(descr[1])
	if err != nil {
		return npyDType{}, false, nil, err
	}

	fortran := false
	if m := fortranPattern.FindStringSubmatch(header); m != nil {
		fortran = m[1] == "True"
	}

	m := shapePattern.FindStringSubmatch(header)
	if m == nil {
		return npyDType{}, false, nil, fmt.Errorf("%w: npy header lacks shape", ErrMalformed)
	}
	shape := []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "L"))
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return npyDType{}, false, nil, fmt.Errorf("%w: bad npy dimension %q", ErrMalformed, part)
		}
		shape = append(shape, d)
	}
	return dt, fortran, shape, nil
}

func lookupDType(descr string) (npyDType, error) {
	if len(descr) < 3 {
		return npyDType{}, fmt.Errorf("%w: unsupported dtype %q", ErrMalformed, descr)
	}
	var order binary.ByteOrder = binary.LittleEndian
	switch descr[0] {
	case '<', '|', '=':
	case '>':
		order = binary.BigEndian
	default:
		return npyDType{}, fmt.Errorf("%w: unsupported dtype %q", ErrMalformed, descr)
	}

	switch descr[1:] {
	case "f8":
		return npyDType{8, func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }}, nil
	case "f4":
		return npyDType{4, func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }}, nil
	case "i8":
		return npyDType{8, func(b []byte) float64 { return float64(int64(order.Uint64(b))) }}, nil
	case "i4":
		return npyDType{4, func(b []byte) float64 { return float64(int32(order.Uint32(b))) }}, nil
	case "i2":
		return npyDType{2, func(b []byte) float64 { return float64(int16(order.Uint16(b))) }}, nil
	case "i1":
		return npyDType{1, func(b []byte) float64 { return float64(int8(b[0])) }}, nil
	case "u8":
		return npyDType{8, func(b []byte) float64 { return float64(order.Uint64(b)) }}, nil
	case "u4":
		return npyDType{4, func(b []byte) float64 { return float64(order.Uint32(b)) }}, nil
	case "u2":
		return npyDType{2, func(b []byte) float64 { return float64(order.Uint16(b)) }}, nil
	case "u1", "b1":
		return npyDType{1, func(b []byte) float64 { return float64(b[0]) }}, nil
	}
	return npyDType{}, fmt.Errorf("%w: unsupported dtype %q", ErrMalformed, descr)
}

// fortranToRowMajor reorders column-major values into row-major order.
func fortranToRowMajor(values []float64, shape []int) []float64 {
	out := make([]float64, len(values))
	index := make([]int, len(shape))
	for src := range values {
		// index advances with the first axis varying fastest
		dst := 0
		for axis := range shape {
			dst = dst*shape[axis] + index[axis]
		}
		out[dst] = values[src]
		for axis := 0; axis < len(shape); axis++ {
			index[axis]++
			if index[axis] < shape[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return out
}
