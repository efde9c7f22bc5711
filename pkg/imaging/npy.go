package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

var npyMagic = []byte("\x93NUMPY")

// headerAlign is the alignment numpy pads the header to
const headerAlign = 64

// Array is a two-dimensional array read from or written to a .npy file.
// Values keep their stored encoding, described by Descr ('<f8', '<c16',
// '|u1'...); only C order is supported.
type Array struct {
	Descr string
	Rows  int
	Cols  int
	Data  []byte
}

// NewFloatArray wraps row-major values into a little-endian float64 array
func NewFloatArray(rows, cols int, values []float64) *Array {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return &Array{Descr: "<f8", Rows: rows, Cols: cols, Data: data}
}

// ItemSize returns the size of one value in bytes
func (a *Array) ItemSize() int {
	n, _ := itemSize(a.Descr)
	return n
}

// Float reads the value at (row, col) of a float64 array
func (a *Array) Float(row, col int) float64 {
	off := 8 * (row*a.Cols + col)
	return math.Float64frombits(binary.LittleEndian.Uint64(a.Data[off:]))
}

// Crop returns rows [top, bottom) and columns [left, right) as a new array
func (a *Array) Crop(top, bottom, left, right int) (*Array, error) {
	if top < 0 || left < 0 || bottom > a.Rows || right > a.Cols || top >= bottom || left >= right {
		return nil, errdefs.MapProcessing(errdefs.CodeMapBadDimensions,
			"region [%d:%d, %d:%d] does not fit a %dx%d map", top, bottom, left, right, a.Rows, a.Cols)
	}
	size := a.ItemSize()
	width := (right - left) * size
	out := &Array{Descr: a.Descr, Rows: bottom - top, Cols: right - left, Data: make([]byte, 0, (bottom-top)*width)}
	for r := top; r < bottom; r++ {
		start := (r*a.Cols + left) * size
		out.Data = append(out.Data, a.Data[start:start+width]...)
	}
	return out, nil
}

var descrPattern = regexp.MustCompile(`^[<>|=][biufc]([0-9]+)$`)

func itemSize(descr string) (int, error) {
	m := descrPattern.FindStringSubmatch(descr)
	if m == nil {
		return 0, errdefs.FileUpload("unsupported data type %q", descr)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, errdefs.FileUpload("unsupported data type %q", descr)
	}
	return n, nil
}

var (
	headerDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	headerFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	headerShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// DecodeNPY reads a two-dimensional array in the numpy .npy format
func DecodeNPY(r io.Reader) (*Array, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil || !bytes.Equal(prefix[:6], npyMagic) {
		return nil, errdefs.FileUpload("not a .npy file")
	}

	var headerLen int
	switch prefix[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errdefs.FileUpload("truncated .npy header")
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errdefs.FileUpload("truncated .npy header")
		}
		headerLen = int(n)
	default:
		return nil, errdefs.FileUpload(".npy format version %d is not supported", prefix[6])
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errdefs.FileUpload("truncated .npy header")
	}

	a, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}
	size, err := itemSize(a.Descr)
	if err != nil {
		return nil, err
	}
	a.Data = make([]byte, a.Rows*a.Cols*size)
	if _, err := io.ReadFull(r, a.Data); err != nil {
		return nil, errdefs.FileUpload("the file holds less data than its %dx%d shape requires", a.Rows, a.Cols)
	}
	return a, nil
}

func parseHeader(h string) (*Array, error) {
	descr := headerDescr.FindStringSubmatch(h)
	fortran := headerFortran.FindStringSubmatch(h)
	shape := headerShape.FindStringSubmatch(h)
	if descr == nil || fortran == nil || shape == nil {
		return nil, errdefs.FileUpload("malformed .npy header")
	}
	if fortran[1] == "True" {
		return nil, errdefs.FileUpload("Fortran-ordered arrays are not supported")
	}

	var dims []int
	for _, part := range strings.Split(shape[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || n < 0 {
			return nil, errdefs.FileUpload("malformed .npy shape %q", shape[1])
		}
		dims = append(dims, n)
	}
	if len(dims) != 2 {
		return nil, errdefs.FileUpload("a two-dimensional array is expected, the file has %d dimensions", len(dims))
	}
	if dims[0] == 0 || dims[1] == 0 {
		return nil, errdefs.FileUpload("the array is empty")
	}
	return &Array{Descr: descr[1], Rows: dims[0], Cols: dims[1]}, nil
}

// EncodeNPY writes the array in .npy format version 1.0
func (a *Array) EncodeNPY(w io.Writer) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d), }", a.Descr, a.Rows, a.Cols)
	// magic, version and length take 10 bytes; the header ends with '\n'
	total := 10 + len(dict) + 1
	pad := (headerAlign - total%headerAlign) % headerAlign
	header := dict + strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write .npy header: %w", err)
	}
	if _, err := w.Write(a.Data); err != nil {
		return fmt.Errorf("failed to write .npy data: %w", err)
	}
	return nil
}

// Bytes returns the .npy encoding of the array
func (a *Array) Bytes() []byte {
	var buf bytes.Buffer
	_ = a.EncodeNPY(&buf)
	return buf.Bytes()
}
