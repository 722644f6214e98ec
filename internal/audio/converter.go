package audio

import (
	"fmt"
	"math"
)

// ConvertPCMToPCMU converts linear PCM audio to G.711 PCMU (μ-law) format
// Input: 16-bit signed little-endian PCM at inputSampleRate
// Output: μ-law bytes at outputSampleRate
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := DecodePCM16(pcmData)

	// TTS vendors commonly emit 24kHz; the phone leg is 8kHz
	if inputSampleRate != outputSampleRate {
		samples = resample(samples, inputSampleRate, outputSampleRate)
	}

	pcmuData := make([]byte, len(samples))
	for i, sample := range samples {
		pcmuData[i] = linearToMulaw(sample)
	}

	return pcmuData, nil
}

// ConvertPCMUToPCM converts G.711 PCMU (μ-law) to 16-bit little-endian PCM
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}

	pcmData := make([]byte, len(pcmuData)*2)
	for i, mulawByte := range pcmuData {
		sample := mulawToLinear(mulawByte)
		pcmData[i*2] = byte(sample)
		pcmData[i*2+1] = byte(sample >> 8)
	}

	return pcmData, nil
}

// DecodeMulaw expands μ-law bytes to linear samples
func DecodeMulaw(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = mulawToLinear(b)
	}
	return samples
}

// DecodePCM16 reads 16-bit signed little-endian samples; a trailing odd byte is ignored
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// Samples decodes a frame payload in its native encoding to a linear scale
func Samples(data []byte, enc Encoding) []int16 {
	if enc == EncodingPCM16 {
		return DecodePCM16(data)
	}
	return DecodeMulaw(data)
}

// resample performs linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, len(samples)*outputRate/inputRate)

	last := len(samples) - 1
	for i := range output {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		if idx0 > last {
			idx0 = last
		}
		idx1 := idx0 + 1
		if idx1 > last {
			idx1 = last
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw encodes a 16-bit linear sample as 8-bit μ-law (ITU-T G.711)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8158 // 14-bit magnitude ceiling before bias
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample) >> 2 // 16-bit to 14-bit
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// segment is the position of the highest set bit above bit 5
	var segment byte
	for v := magnitude >> 6; v != 0 && segment < 7; v >>= 1 {
		segment++
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear decodes an 8-bit μ-law code to a 16-bit linear sample
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << (segment + 1)) + (int32(33) << segment) - 33) << 2

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// PeakAmplitude returns the largest absolute sample value
func PeakAmplitude(samples []int16) float64 {
	peak := 0.0
	for _, sample := range samples {
		v := math.Abs(float64(sample))
		if v > peak {
			peak = v
		}
	}
	return peak
}
