package drift

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"smlmproc/internal/models"
)

// fft2D performs a 2D Fast Fourier Transform on a square image.
//
// Parameters:
//   - data: Input image data as a 1D array (row-major order)
//   - size: Width/height of the square image
//
// Returns:
//   - The 2D FFT of the input data as a 1D array of complex numbers
func fft2D(data []float64, size int) []complex128 {
	fft := fourier.NewFFT(size)
	cfft := fourier.NewCmplxFFT(size)

	result := make([]complex128, size*size)

	rowInput := make([]float64, size)
	rowOutput := make([]complex128, size/2+1) // Gonum FFT output size for real input

	// Row-wise real FFT
	for i := 0; i < size; i++ {
		copy(rowInput, data[i*size:(i+1)*size])
		fft.Coefficients(rowOutput, rowInput)

		row := result[i*size : (i+1)*size]
		copy(row, rowOutput)
		// Use conjugate symmetry: F(n-k) = F*(k)
		for j := len(rowOutput); j < size; j++ {
			row[j] = cmplx.Conj(rowOutput[size-j])
		}
	}

	transformColumns(cfft, result, size, false)
	return result
}

// ifft2D inverts fft2D and returns the real part. The output is not
// normalized; only peak positions are read from it.
func ifft2D(coeffs []complex128, size int) []float64 {
	cfft := fourier.NewCmplxFFT(size)

	work := make([]complex128, len(coeffs))
	copy(work, coeffs)

	transformColumns(cfft, work, size, true)

	rowIn := make([]complex128, size)
	rowOut := make([]complex128, size)
	result := make([]float64, size*size)
	for i := 0; i < size; i++ {
		copy(rowIn, work[i*size:(i+1)*size])
		cfft.Sequence(rowOut, rowIn)
		for j := 0; j < size; j++ {
			result[i*size+j] = real(rowOut[j])
		}
	}
	return result
}

// transformColumns runs a complex FFT (or its inverse) over every column
// of data in place.
func transformColumns(cfft *fourier.CmplxFFT, data []complex128, size int, inverse bool) {
	colIn := make([]complex128, size)
	colOut := make([]complex128, size)
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			colIn[i] = data[i*size+j]
		}
		if inverse {
			cfft.Sequence(colOut, colIn)
		} else {
			cfft.Coefficients(colOut, colIn)
		}
		for i := 0; i < size; i++ {
			data[i*size+j] = colOut[i]
		}
	}
}

// crossCorrelate returns the circular cross-correlation of a test image
// against a reference, both given as spectra. Zero lag is moved to
// (size/2, size/2); a test image displaced by (dx, dy) from the
// reference peaks at (size/2+dx, size/2+dy).
func crossCorrelate(refSpec, testSpec []complex128, size int) []float64 {
	prod := make([]complex128, len(refSpec))
	for i := range prod {
		prod[i] = cmplx.Conj(refSpec[i]) * testSpec[i]
	}
	return swapQuadrants(ifft2D(prod, size), size)
}

// swapQuadrants moves the origin of a periodic image to its center.
func swapQuadrants(data []float64, size int) []float64 {
	half := size / 2
	out := make([]float64, len(data))
	for y := 0; y < size; y++ {
		ny := (y + half) % size
		for x := 0; x < size; x++ {
			out[ny*size+(x+half)%size] = data[y*size+x]
		}
	}
	return out
}

// peakCentroid finds the correlation maximum within searchRadius of the
// image center, or anywhere when searchRadius is zero, and returns the intensity-weighted center of mass of the
// (2*centroidRadius+1)^2 neighborhood around it.
func peakCentroid(corr []float64, size, searchRadius, centroidRadius int) models.Point2D {
	c := size / 2
	if searchRadius < 1 || searchRadius > c {
		searchRadius = c
	}
	lo := max(c-searchRadius, 0)
	hi := min(c+searchRadius, size-1)

	peakX, peakY := c, c
	peak := math.Inf(-1)
	for y := lo; y <= hi; y++ {
		for x := lo; x <= hi; x++ {
			if v := corr[y*size+x]; v > peak {
				peak, peakX, peakY = v, x, y
			}
		}
	}

	var sum, sx, sy float64
	for y := max(peakY-centroidRadius, 0); y <= min(peakY+centroidRadius, size-1); y++ {
		for x := max(peakX-centroidRadius, 0); x <= min(peakX+centroidRadius, size-1); x++ {
			v := corr[y*size+x]
			if v <= 0 {
				continue
			}
			sum += v
			sx += v * float64(x)
			sy += v * float64(y)
		}
	}
	if sum == 0 {
		return models.Point2D{X: float64(peakX), Y: float64(peakY)}
	}
	return models.Point2D{X: sx / sum, Y: sy / sum}
}
