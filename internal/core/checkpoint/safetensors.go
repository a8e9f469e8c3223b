package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

const (
	DTypeF64  = "F64"
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeI64  = "I64"

	metadataKey   = "__metadata__"
	maxHeaderSize = 100 * 1024 * 1024
)

var ErrInvalidSafetensors = errors.New("invalid safetensors file")

type Tensor struct {
	DType string
	Shape []int
	Data  []byte
}

type tensorHeader struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DTypeF64, DTypeI64:
		return 8, nil
	case DTypeF32, "I32", "U32":
		return 4, nil
	case DTypeF16, DTypeBF16, "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL":
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: unsupported dtype %q", ErrInvalidSafetensors, dtype)
	}
}

func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float64s decodes a floating point tensor.
func (t Tensor) Float64s() ([]float64, error) {
	size, err := dtypeSize(t.DType)
	if err != nil {
		return nil, err
	}
	n := t.NumElements()
	if len(t.Data) != n*size {
		return nil, fmt.Errorf("%w: tensor has %d bytes, expected %d", ErrInvalidSafetensors, len(t.Data), n*size)
	}

	out := make([]float64, n)
	le := binary.LittleEndian
	switch t.DType {
	case DTypeF64:
		for i := range out {
			out[i] = math.Float64frombits(le.Uint64(t.Data[i*8:]))
		}
	case DTypeF32:
		for i := range out {
			out[i] = float64(math.Float32frombits(le.Uint32(t.Data[i*4:])))
		}
	case DTypeF16:
		for i := range out {
			out[i] = float64(float16.Frombits(le.Uint16(t.Data[i*2:])).Float32())
		}
	case DTypeBF16:
		for i := range out {
			out[i] = float64(math.Float32frombits(uint32(le.Uint16(t.Data[i*2:])) << 16))
		}
	default:
		return nil, fmt.Errorf("%w: dtype %q is not a float type", ErrInvalidSafetensors, t.DType)
	}
	return out, nil
}

// EncodeFloat64s builds a tensor of the given float dtype.
func EncodeFloat64s(dtype string, shape []int, values []float64) (Tensor, error) {
	size, err := dtypeSize(dtype)
	if err != nil {
		return Tensor{}, err
	}
	t := Tensor{DType: dtype, Shape: append([]int(nil), shape...), Data: make([]byte, len(values)*size)}
	if t.NumElements() != len(values) {
		return Tensor{}, fmt.Errorf("shape %v holds %d elements, got %d values", shape, t.NumElements(), len(values))
	}

	le := binary.LittleEndian
	switch dtype {
	case DTypeF64:
		for i, v := range values {
			le.PutUint64(t.Data[i*8:], math.Float64bits(v))
		}
	case DTypeF32:
		for i, v := range values {
			le.PutUint32(t.Data[i*4:], math.Float32bits(float32(v)))
		}
	case DTypeF16:
		for i, v := range values {
			le.PutUint16(t.Data[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	case DTypeBF16:
		for i, v := range values {
			le.PutUint16(t.Data[i*2:], uint16(math.Float32bits(float32(v))>>16))
		}
	default:
		return Tensor{}, fmt.Errorf("dtype %q is not a float type", dtype)
	}
	return t, nil
}

// ReadSafetensors loads every tensor of a safetensors file into memory.
func ReadSafetensors(path string) (map[string]Tensor, map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)

	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header length: %v", ErrInvalidSafetensors, err)
	}
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrInvalidSafetensors, headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header: %v", ErrInvalidSafetensors, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing header: %v", ErrInvalidSafetensors, err)
	}

	var metadata map[string]string
	headers := make(map[string]tensorHeader, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("%w: parsing metadata: %v", ErrInvalidSafetensors, err)
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, fmt.Errorf("%w: parsing tensor %s: %v", ErrInvalidSafetensors, name, err)
		}
		headers[name] = h
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading tensor data: %v", ErrInvalidSafetensors, err)
	}

	tensors := make(map[string]Tensor, len(headers))
	for name, h := range headers {
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end < start || end > len(body) {
			return nil, nil, fmt.Errorf("%w: tensor %s has offsets [%d, %d] outside %d data bytes", ErrInvalidSafetensors, name, start, end, len(body))
		}
		t := Tensor{DType: h.DType, Shape: h.Shape, Data: body[start:end:end]}
		size, err := dtypeSize(h.DType)
		if err != nil {
			return nil, nil, err
		}
		if t.NumElements()*size != end-start {
			return nil, nil, fmt.Errorf("%w: tensor %s shape %v does not match %d bytes", ErrInvalidSafetensors, name, h.Shape, end-start)
		}
		tensors[name] = t
	}

	return tensors, metadata, nil
}

// WriteSafetensors writes tensors sorted by name.
func WriteSafetensors(path string, tensors map[string]Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		header[name] = tensorHeader{DType: t.DType, Shape: t.Shape, DataOffsets: [2]int{offset, offset + len(t.Data)}}
		offset += len(t.Data)
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("error encoding safetensors header: %w", err)
	}
	// The data section starts on an 8 byte boundary.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := w.Write(tensors[name].Data); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Sync()
}
