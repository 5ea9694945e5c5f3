package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// K-quant super-block size.
const BlockSizeK = 256

// Q8_0 block size.
const BlockSizeQ8 = 32

// Dequantize decodes a tensor's raw block data into float32 weights.
func Dequantize(t *TensorInfo) ([]float32, error) {
	n := int(t.NumElements())
	switch t.Type {
	case GGMLTypeF32:
		return DecodeF32(t.Data, n), nil
	case GGMLTypeF16:
		return DequantizeF16(t.Data, n), nil
	case GGMLTypeQ8_0:
		return DequantizeQ8_0(t.Data, n), nil
	case GGMLTypeQ4_K:
		return DequantizeQ4K(t.Data, n), nil
	case GGMLTypeQ6_K:
		return DequantizeQ6K(t.Data, n), nil
	default:
		return nil, fmt.Errorf("dequantize: unsupported tensor type %s for %s", t.Type, t.Name)
	}
}

// DecodeF32 reinterprets little-endian float32 data.
func DecodeF32(data []byte, numElements int) []float32 {
	out := make([]float32, numElements)
	for i := 0; i < numElements; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// DequantizeF16 widens IEEE half-precision data to float32.
func DequantizeF16(data []byte, numElements int) []float32 {
	out := make([]float32, numElements)
	for i := 0; i < numElements; i++ {
		out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// DequantizeQ8_0 decodes Q8_0 blocks: per 32 weights, an f16 scale d
// followed by 32 int8 quants. w = d * q.
func DequantizeQ8_0(data []byte, numElements int) []float32 {
	const blockBytes = 34
	numBlocks := numElements / BlockSizeQ8
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		off := i * blockBytes
		if off+blockBytes > len(data) {
			break
		}
		d := Float16ToFloat32(binary.LittleEndian.Uint16(data[off : off+2]))
		qs := data[off+2 : off+34]
		for k := 0; k < BlockSizeQ8; k++ {
			out[i*BlockSizeQ8+k] = d * float32(int8(qs[k]))
		}
	}
	return out
}

// QuantizeQ8_0 encodes float32 weights into Q8_0 blocks. numElements must
// be a multiple of 32.
func QuantizeQ8_0(weights []float32) ([]byte, error) {
	if len(weights)%BlockSizeQ8 != 0 {
		return nil, fmt.Errorf("quantize q8_0: %d elements not a multiple of %d", len(weights), BlockSizeQ8)
	}
	numBlocks := len(weights) / BlockSizeQ8
	out := make([]byte, numBlocks*34)

	for i := 0; i < numBlocks; i++ {
		block := weights[i*BlockSizeQ8 : (i+1)*BlockSizeQ8]
		amax := float32(0)
		for _, w := range block {
			if a := float32(math.Abs(float64(w))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		off := i * 34
		binary.LittleEndian.PutUint16(out[off:], Float32ToFloat16(d))
		for k, w := range block {
			q := math.Round(float64(w * id))
			if q > 127 {
				q = 127
			} else if q < -128 {
				q = -128
			}
			out[off+2+k] = byte(int8(q))
		}
	}
	return out, nil
}

// DequantizeQ4K decodes Q4_K super-blocks (144 bytes per 256 weights):
// f16 d, f16 dmin, 12 bytes of packed 6-bit scales/mins, 128 bytes of
// 4-bit quants. w = d*sc*q - dmin*m per 32-weight sub-block.
func DequantizeQ4K(data []byte, numElements int) []float32 {
	const blockBytes = 144
	numBlocks := numElements / BlockSizeK
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		off := i * blockBytes
		if off+blockBytes > len(data) {
			break
		}
		block := data[off : off+blockBytes]

		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := Float16ToFloat32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		qs := block[16:144]

		var sc, m [8]uint8
		for j := 0; j < 8; j++ {
			if j < 4 {
				sc[j] = scales[j] & 63
				m[j] = scales[j+4] & 63
			} else {
				sc[j] = (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
				m[j] = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
			}
		}

		for j := 0; j < 8; j++ {
			dj := d * float32(sc[j])
			mj := dmin * float32(m[j])
			qsOff := j * 16
			for k := 0; k < 16; k++ {
				b := qs[qsOff+k]
				idx0 := j*32 + k
				out[i*BlockSizeK+idx0] = dj*float32(b&0xF) - mj
				out[i*BlockSizeK+idx0+16] = dj*float32(b>>4) - mj
			}
		}
	}
	return out
}

// DequantizeQ6K decodes Q6_K super-blocks (210 bytes per 256 weights):
// 128 bytes of low 4 bits, 64 bytes of high 2 bits, 16 int8 scales, f16 d.
func DequantizeQ6K(data []byte, numElements int) []float32 {
	const blockBytes = 210
	numBlocks := numElements / BlockSizeK
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		off := i * blockBytes
		if off+blockBytes > len(data) {
			break
		}
		block := data[off : off+blockBytes]

		ql := block[0:128]
		qh := block[128:192]
		scales := block[192:208]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[208:210]))

		for l := 0; l < 16; l++ {
			s := d * float32(int8(scales[l]))
			for k := 0; k < 16; k++ {
				idx := l*16 + k

				var q4 uint8
				if idx%2 == 0 {
					q4 = ql[idx/2] & 0x0F
				} else {
					q4 = ql[idx/2] >> 4
				}
				q2 := (qh[idx/4] >> ((idx % 4) * 2)) & 0x03
				q := (q2 << 4) | q4

				out[i*BlockSizeK+idx] = s * (float32(q) - 32.0)
			}
		}
	}
	return out
}

// Float16ToFloat32 widens an IEEE 754 binary16 value.
func Float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b & 0x03FF)

	if exp == 0 {
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		f := float64(frac) * math.Pow(2, -24)
		if sign != 0 {
			f = -f
		}
		return float32(f)
	} else if exp == 0x1F {
		if frac == 0 {
			if sign != 0 {
				return float32(math.Inf(-1))
			}
			return float32(math.Inf(1))
		}
		return float32(math.NaN())
	}

	return math.Float32frombits(sign | ((exp + 112) << 23) | (frac << 13))
}

// Float32ToFloat16 narrows to IEEE 754 binary16 with round-to-nearest-even.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xFF) - 127 + 15
	frac := bits & 0x7FFFFF

	if exp >= 0x1F {
		// overflow or inf/nan
		if bits&0x7FFFFFFF > 0x7F800000 {
			return sign | 0x7C00 | 0x0200
		}
		return sign | 0x7C00
	}
	if exp <= 0 {
		if exp < -10 {
			return sign
		}
		// subnormal
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(frac >> shift)
		if frac>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	}

	half := sign | uint16(exp)<<10 | uint16(frac>>13)
	if frac&0x1000 != 0 {
		half++
	}
	return half
}
