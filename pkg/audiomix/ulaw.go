package audiomix

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeULaw кодирует линейный PCM в G.711 μ-law (ITU-T G.711)
func EncodeULaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = linearToULaw(s)
	}
	return out
}

// DecodeULaw декодирует G.711 μ-law в линейный PCM
func DecodeULaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = ulawToLinear(b)
	}
	return out
}

func linearToULaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func ulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	s := ((mantissa << 3) + ulawBias) << exponent
	s -= ulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
