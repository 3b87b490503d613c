package quant

// nf4Code contains the 16 NF4 dequantization values: the quantiles of a
// standard normal distribution, normalized to [-1, 1] (the QLoRA constants).
var nf4Code = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// fp4Code contains the 16 FP4 (e2m1) dequantization values. The high bit of
// the nibble is the sign bit.
var fp4Code = [16]float32{
	0.0, 0.0052083333, 0.6666666666666666, 1.0,
	0.3333333333333333, 0.5, 0.16666666666666666, 0.25,
	-0.0, -0.0052083333, -0.6666666666666666, -1.0,
	-0.3333333333333333, -0.5, -0.16666666666666666, -0.25,
}

// Codebook returns the 16-entry dequantization table for a quant type.
// The quant type must already be validated.
func Codebook(quantType string) []float32 {
	switch quantType {
	case QuantTypeFP4:
		return fp4Code[:]
	default:
		return nf4Code[:]
	}
}

// nearestCode returns the index of the codebook entry closest to v.
// Ties resolve to the lowest index, which keeps quantization deterministic.
func nearestCode(code []float32, v float32) uint8 {
	best := 0
	bestDist := dist(code[0], v)
	for i := 1; i < len(code); i++ {
		if d := dist(code[i], v); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return uint8(best)
}

func dist(a, b float32) float32 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}
