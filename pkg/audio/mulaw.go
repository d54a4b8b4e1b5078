package audio

// G.711 μ-law constants.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// DecodeMuLawToPCM16 converts G.711 μ-law (8-bit) to 16-bit signed
// little-endian PCM at the same sample rate.
func DecodeMuLawToPCM16(muLaw []byte) []byte {
	if len(muLaw) == 0 {
		return nil
	}

	samples := make([]int16, len(muLaw))
	for i, mu := range muLaw {
		samples[i] = decodeMuLawSample(mu)
	}
	return samplesToBytes(samples)
}

// EncodePCM16ToMuLaw converts 16-bit signed little-endian PCM to G.711 μ-law.
// A trailing odd byte is ignored.
func EncodePCM16ToMuLaw(pcm []byte) []byte {
	if len(pcm) < 2 {
		return nil
	}

	samples := bytesToSamples(pcm)
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

func decodeMuLawSample(mu byte) int16 {
	mu = ^mu
	sign := mu & 0x80
	exponent := (mu >> 4) & 0x07
	mantissa := mu & 0x0F

	magnitude := ((int(mantissa) << 3) + muLawBias) << exponent
	magnitude -= muLawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

func encodeMuLawSample(sample int16) byte {
	value := int(sample)
	var sign byte
	if value < 0 {
		value = -value
		sign = 0x80
	}
	if value > muLawClip {
		value = muLawClip
	}
	value += muLawBias

	exponent := 7
	for mask := 0x4000; value&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (value >> (exponent + 3)) & 0x0F

	return ^(sign | byte(exponent<<4) | byte(mantissa))
}
