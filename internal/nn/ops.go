package nn

import "math"

// matmulT computes y = x @ w.T for row-major slices.
// x is [m, k], w is [n, k], y is [m, n].
func matmulT(x []float32, w []float32, m, k, n int) []float32 {
	y := make([]float32, m*n)
	for i := 0; i < m; i++ {
		xi := x[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			wj := w[j*k : (j+1)*k]
			var sum float32
			for l := 0; l < k; l++ {
				sum += xi[l] * wj[l]
			}
			y[i*n+j] = sum
		}
	}
	return y
}

// addBias adds b ([n]) to every row of y ([m, n]) in place.
func addBias(y []float32, b []float32, m, n int) {
	for i := 0; i < m; i++ {
		row := y[i*n : (i+1)*n]
		for j := range row {
			row[j] += b[j]
		}
	}
}

// layerNorm normalizes each row of x ([m, n]) to zero mean and unit
// variance, then applies the affine transform weight*x + bias.
func layerNorm(x []float32, weight, bias []float32, m, n int, eps float32) []float32 {
	out := make([]float32, len(x))
	for i := 0; i < m; i++ {
		row := x[i*n : (i+1)*n]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(n)

		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(n)

		inv := float32(1.0 / math.Sqrt(float64(variance)+float64(eps)))
		for j, v := range row {
			out[i*n+j] = (v-mean)*inv*weight[j] + bias[j]
		}
	}
	return out
}

// softmaxRows applies softmax over the last dimension of x ([m, n]) in place.
func softmaxRows(x []float32, m, n int) {
	for i := 0; i < m; i++ {
		row := x[i*n : (i+1)*n]

		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}

		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxv)))
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// SiLU applies x * sigmoid(x) element-wise, returning a new slice.
func SiLU(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
	return out
}

// geluTanh applies the tanh approximation of GELU element-wise.
func geluTanh(x []float32) []float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	out := make([]float32, len(x))
	for i, v := range x {
		v64 := float64(v)
		out[i] = float32(0.5 * v64 * (1 + math.Tanh(c*(v64+0.044715*v64*v64*v64))))
	}
	return out
}

// TimestepEmbedding produces the standard sinusoidal embedding of a scalar
// timestep with the given dimension (must be even).
func TimestepEmbedding(t float32, dim int) []float32 {
	half := dim / 2
	out := make([]float32, dim)
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		angle := float64(t) * freq
		out[i] = float32(math.Cos(angle))
		out[half+i] = float32(math.Sin(angle))
	}
	return out
}
