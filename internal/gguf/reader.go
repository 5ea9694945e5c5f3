package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"
)

// LoadFile maps a GGUF file into memory and parses the header, metadata
// key-values and tensor directory. Tensor Data slices point into the
// mapping; callers must Close the file when done with them.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		_ = syscall.Munmap(data)
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		_ = syscall.Munmap(data)
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			_ = syscall.Munmap(data)
			return nil, err
		}
		offset += n

		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			_ = syscall.Munmap(data)
			return nil, err
		}
		offset += n

		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			_ = syscall.Munmap(data)
			return nil, err
		}
		offset += n

		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		dimArr := make([]uint64, dims)
		for j := uint32(0); j < dims; j++ {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}

	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		abs := file.DataOffset + t.Offset
		end := abs + t.SizeBytes()
		if abs > uint64(len(data)) || end > uint64(len(data)) {
			_ = syscall.Munmap(data)
			return nil, fmt.Errorf("tensor %s: offset out of bounds", t.Name)
		}
		t.Data = data[abs:end]
	}

	return file, nil
}

// Close unmaps the underlying file. Tensor Data slices are invalid afterward.
func (f *GGUFFile) Close() error {
	return syscall.Munmap(f.Data)
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset+8 > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if offset+8+length > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		cur := offset + 12

		var arr []interface{}
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, cur, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			cur += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}
