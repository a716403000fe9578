package audio

// G.711 μ-law. Audio travels as PCMU so remote levels can be analysed without cgo codecs.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeUlaw appends the μ-law encoding of pcm to dst.
func EncodeUlaw(dst []byte, pcm []int16) []byte {
	for _, s := range pcm {
		dst = append(dst, encodeUlawSample(s))
	}
	return dst
}

// DecodeUlaw appends the linear samples of payload to dst.
func DecodeUlaw(dst []int16, payload []byte) []int16 {
	for _, u := range payload {
		dst = append(dst, decodeUlawSample(u))
	}
	return dst
}

func encodeUlawSample(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func decodeUlawSample(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + ulawBias) << exponent
	sample -= ulawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}
