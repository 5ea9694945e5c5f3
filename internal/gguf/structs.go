package gguf

import "fmt"

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	// DefaultAlignment is the tensor-data alignment used when the file
	// carries no general.alignment key.
	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
)

// IsQuantized reports whether the type stores weights in a packed
// block-quantized form rather than plain floats.
func (t GGMLType) IsQuantized() bool {
	switch t {
	case GGMLTypeF32, GGMLTypeF16:
		return false
	default:
		return true
	}
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ2_K:
		return "Q2_K"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ5_K:
		return "Q5_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeQ8_K:
		return "Q8_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

// TensorInfo describes one tensor in the file. Dimensions follow the GGML
// ne convention: ne[0] is the fastest-varying (input) dimension, so a linear
// weight with out rows of in columns is stored as Dimensions{in, out}.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       GGMLType
	Offset     uint64 // relative to the start of the data section
	Data       []byte // slice into the loaded file, sized by SizeBytes
}

func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

func (t *TensorInfo) SizeBytes() uint64 {
	n := t.NumElements()
	switch t.Type {
	case GGMLTypeF32:
		return n * 4
	case GGMLTypeF16:
		return n * 2
	case GGMLTypeQ4_0:
		return (n / 32) * 18
	case GGMLTypeQ5_0:
		return (n / 32) * 22
	case GGMLTypeQ8_0:
		return (n / 32) * 34
	case GGMLTypeQ3_K:
		return (n / 256) * 110
	case GGMLTypeQ4_K:
		return (n / 256) * 144
	case GGMLTypeQ6_K:
		return (n / 256) * 210
	default:
		return 0
	}
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // raw mapped file contents
	DataOffset uint64 // absolute offset of the tensor data section
}

// Tensor returns the named tensor info, or nil when absent.
func (f *GGUFFile) Tensor(name string) *TensorInfo {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}
