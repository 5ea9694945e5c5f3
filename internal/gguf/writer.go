package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Writer builds a GGUF v3 file: metadata key-values in insertion order,
// then the tensor directory, then 32-byte-aligned tensor data.
type Writer struct {
	kv      []kvPair
	tensors []pendingTensor
}

type kvPair struct {
	key string
	typ GGUFMetadataValueType
	val interface{}
}

type pendingTensor struct {
	info TensorInfo
	data []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) AddString(key, val string) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeString, val})
}

func (w *Writer) AddUint32(key string, val uint32) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeUint32, val})
}

func (w *Writer) AddUint64(key string, val uint64) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeUint64, val})
}

func (w *Writer) AddFloat32(key string, val float32) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeFloat32, val})
}

func (w *Writer) AddBool(key string, val bool) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeBool, val})
}

func (w *Writer) AddStringArray(key string, vals []string) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeArray, vals})
}

func (w *Writer) AddFloat32Array(key string, vals []float32) {
	w.kv = append(w.kv, kvPair{key, GGUFMetadataValueTypeArray, vals})
}

// AddTensor queues a tensor. data must be the raw encoded payload whose
// length matches the type's block layout for the given dimensions.
func (w *Writer) AddTensor(name string, dims []uint64, typ GGMLType, data []byte) error {
	info := TensorInfo{Name: name, Dimensions: dims, Type: typ}
	if want := info.SizeBytes(); want != uint64(len(data)) {
		return fmt.Errorf("tensor %s: payload is %d bytes, %s layout wants %d", name, len(data), typ, want)
	}
	w.tensors = append(w.tensors, pendingTensor{info: info, data: data})
	return nil
}

// AddTensorF32 encodes float32 weights and queues them as an F32 tensor.
func (w *Writer) AddTensorF32(name string, dims []uint64, weights []float32) error {
	data := make([]byte, len(weights)*4)
	for i, v := range weights {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return w.AddTensor(name, dims, GGMLTypeF32, data)
}

// AddTensorQ8 quantizes float32 weights to Q8_0 and queues them.
func (w *Writer) AddTensorQ8(name string, dims []uint64, weights []float32) error {
	data, err := QuantizeQ8_0(weights)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	return w.AddTensor(name, dims, GGMLTypeQ8_0, data)
}

// WriteFile serializes the file to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := w.WriteTo(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteTo serializes the file to out.
func (w *Writer) WriteTo(out io.Writer) error {
	// Assign data-section offsets, each tensor aligned.
	offset := uint64(0)
	for i := range w.tensors {
		if pad := offset % DefaultAlignment; pad != 0 {
			offset += DefaultAlignment - pad
		}
		w.tensors[i].info.Offset = offset
		offset += uint64(len(w.tensors[i].data))
	}

	cw := &countingWriter{w: out}

	if err := writeAll(cw,
		uint32(GGUFMagic), uint32(GGUFVersion),
		uint64(len(w.tensors)), uint64(len(w.kv))); err != nil {
		return err
	}

	for _, kv := range w.kv {
		if err := writeString(cw, kv.key); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(kv.typ)); err != nil {
			return err
		}
		if err := writeKVValue(cw, kv); err != nil {
			return err
		}
	}

	for _, t := range w.tensors {
		if err := writeString(cw, t.info.Name); err != nil {
			return err
		}
		if err := writeAll(cw, uint32(len(t.info.Dimensions))); err != nil {
			return err
		}
		for _, d := range t.info.Dimensions {
			if err := writeAll(cw, d); err != nil {
				return err
			}
		}
		if err := writeAll(cw, uint32(t.info.Type), t.info.Offset); err != nil {
			return err
		}
	}

	// Pad the directory out to the data-section alignment.
	if pad := cw.n % DefaultAlignment; pad != 0 {
		if _, err := cw.Write(make([]byte, DefaultAlignment-pad)); err != nil {
			return err
		}
	}

	written := uint64(0)
	for _, t := range w.tensors {
		if t.info.Offset > written {
			if _, err := cw.Write(make([]byte, t.info.Offset-written)); err != nil {
				return err
			}
			written = t.info.Offset
		}
		if _, err := cw.Write(t.data); err != nil {
			return err
		}
		written += uint64(len(t.data))
	}
	return nil
}

func writeKVValue(out io.Writer, kv kvPair) error {
	switch v := kv.val.(type) {
	case string:
		return writeString(out, v)
	case uint32, uint64, float32, bool:
		return binary.Write(out, binary.LittleEndian, v)
	case []string:
		if err := writeAll(out, uint32(GGUFMetadataValueTypeString), uint64(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err := writeString(out, s); err != nil {
				return err
			}
		}
		return nil
	case []float32:
		if err := writeAll(out, uint32(GGUFMetadataValueTypeFloat32), uint64(len(v))); err != nil {
			return err
		}
		return binary.Write(out, binary.LittleEndian, v)
	default:
		return fmt.Errorf("unsupported KV value for %s: %T", kv.key, kv.val)
	}
}

func writeString(out io.Writer, s string) error {
	if err := binary.Write(out, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(out, s)
	return err
}

func writeAll(out io.Writer, vals ...interface{}) error {
	for _, v := range vals {
		if err := binary.Write(out, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
