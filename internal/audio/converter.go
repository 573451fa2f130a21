package audio

import (
	"fmt"
	"math"
)

// BytesToSamples decodes 16-bit signed little-endian PCM
func BytesToSamples(pcmData []byte) ([]int16, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(pcmData)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(pcmData[i*2]) | int16(pcmData[i*2+1])<<8
	}
	return samples, nil
}

// SamplesToBytes encodes samples as 16-bit signed little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

// ResamplePCM converts 16-bit little-endian PCM between sample rates
func ResamplePCM(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if inputSampleRate <= 0 || outputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d -> %d", inputSampleRate, outputSampleRate)
	}

	samples, err := BytesToSamples(pcmData)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(resample(samples, inputSampleRate, outputSampleRate)), nil
}

// resample performs simple linear interpolation resampling
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// NormalizeAudio normalizes audio samples to prevent clipping
func NormalizeAudio(samples []int16, maxAmplitude int16) []int16 {
	if len(samples) == 0 {
		return samples
	}

	maxVal := int32(0)
	for _, sample := range samples {
		abs := int32(sample)
		if abs < 0 {
			abs = -abs
		}
		if abs > maxVal {
			maxVal = abs
		}
	}

	if maxVal <= int32(maxAmplitude) {
		return samples
	}

	ratio := float64(maxAmplitude) / float64(maxVal)
	normalized := make([]int16, len(samples))
	for i, sample := range samples {
		normalized[i] = int16(float64(sample) * ratio)
	}

	return normalized
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

// NormalizeLevel maps an RMS value onto [0,1] where fullScale and above read as 1
func NormalizeLevel(rms, fullScale float64) float64 {
	if fullScale <= 0 || rms <= 0 {
		return 0
	}
	level := rms / fullScale
	if level > 1 {
		return 1
	}
	return level
}
