package quality

import (
	"fmt"
	"math"
	"strings"

	"github.com/forPelevin/voxprep/internal/types"
)

// Policy selects how features are turned into a score. Both policies exist in
// deployed versions of the tool and neither has been declared authoritative,
// so the choice is configuration, not code.
type Policy string

const (
	// PolicyAdditive awards up to 25 points on each of sample rate, signal
	// level, zero-crossing rate and duration.
	PolicyAdditive Policy = "additive"
	// PolicySubtractive starts at 100 and subtracts per-issue and sliding
	// penalties. It needs only sample rate, duration and an SNR estimate.
	PolicySubtractive Policy = "subtractive"
)

const (
	TranscriptionThreshold = 50
	VoiceCloningThreshold  = 70
	VoiceCloningMinSeconds = 30.0
	issuePenalty           = 15
)

// ParsePolicy accepts a policy name, case-insensitively. Empty means additive.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAdditive:
		return PolicyAdditive, nil
	case PolicySubtractive:
		return PolicySubtractive, nil
	default:
		return "", fmt.Errorf("unknown quality policy %q (want additive or subtractive)", s)
	}
}

// Assess scores f under policy p. It is a pure function: the same features
// always produce the same verdict.
func Assess(p Policy, f types.Features) types.QualityVerdict {
	var v types.QualityVerdict
	switch p {
	case PolicySubtractive:
		v = assessSubtractive(f)
	default:
		v = assessAdditive(f)
	}
	v.Score = clampScore(v.Score)
	v.TranscriptionSuitable = v.Score >= TranscriptionThreshold
	if v.Issues == nil {
		v.Issues = []string{}
	}
	v.Metrics = &types.QualityMetrics{
		Duration:         round2(f.Duration),
		SampleRate:       f.SampleRate,
		RMSEnergy:        f.RMS,
		ZeroCrossingRate: f.ZCR,
		SpectralCentroid: round2(f.SpectralCentroid),
		SNR:              round2(f.SNR),
	}
	return v
}

// Failed is the verdict reported when features could not be extracted.
func Failed(err error) types.QualityVerdict {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return types.QualityVerdict{
		Score:  0,
		Issues: []string{"Error analyzing audio: " + msg},
	}
}

func assessAdditive(f types.Features) types.QualityVerdict {
	score := 0
	var issues []string

	switch {
	case f.SampleRate >= 44100:
		score += 25
	case f.SampleRate >= 22050:
		score += 15
		issues = append(issues, "Sample rate could be higher for optimal voice cloning")
	default:
		score += 5
		issues = append(issues, "Low sample rate - not recommended for voice cloning")
	}

	switch {
	case f.RMS > 0.01:
		score += 25
	case f.RMS > 0.005:
		score += 15
		issues = append(issues, "Signal level is low")
	default:
		score += 5
		issues = append(issues, "Very low signal level - may affect transcription quality")
	}

	switch {
	case f.ZCR < 0.1:
		score += 25
	case f.ZCR < 0.2:
		score += 15
		issues = append(issues, "Moderate noise detected")
	default:
		score += 5
		issues = append(issues, "High noise level detected")
	}

	switch {
	case f.Duration >= 60:
		score += 25
	case f.Duration >= 30:
		score += 20
	case f.Duration >= 10:
		score += 15
	default:
		score += 5
		issues = append(issues, "Short duration - may not be suitable for voice cloning")
	}

	return types.QualityVerdict{
		Score:                score,
		VoiceCloningSuitable: score >= VoiceCloningThreshold && f.Duration >= VoiceCloningMinSeconds,
		Issues:               issues,
	}
}

func assessSubtractive(f types.Features) types.QualityVerdict {
	var issues []string
	if f.SampleRate < 16000 {
		issues = append(issues, fmt.Sprintf("Low sample rate (%dHz), expected >= 16kHz", f.SampleRate))
	}
	if f.Duration < 5 {
		issues = append(issues, fmt.Sprintf("Short duration (%.2fs), longer audio is better", f.Duration))
	}
	if f.SNR < 20 {
		issues = append(issues, fmt.Sprintf("Signal-to-noise ratio too low (%.2fdB), transcription needs >= 20dB", f.SNR))
	}

	score := 100.0
	score -= float64(len(issues) * issuePenalty)
	sr := math.Min(float64(max(f.SampleRate, 0)), 44100)
	score -= (44100 - sr) / 44100 * 20
	dur := math.Min(math.Max(f.Duration, 0), 30)
	score -= (30 - dur) / 30 * 10
	score = math.Max(0, score)

	rounded := int(math.Round(score))
	return types.QualityVerdict{
		Score: rounded,
		VoiceCloningSuitable: rounded >= VoiceCloningThreshold &&
			f.Duration >= VoiceCloningMinSeconds &&
			f.SampleRate >= 44100,
		Issues: issues,
	}
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func round2(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return math.Round(x*100) / 100
}
