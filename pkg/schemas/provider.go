package schemas

import "fmt"

// Provider identifies an external rate-limited dependency
type Provider string

const (
	ProviderASR            Provider = "asr"
	ProviderTranslation    Provider = "translation"
	ProviderTTSStandard    Provider = "tts-standard"
	ProviderTTSPremium     Provider = "tts-premium"
	ProviderSpeechAnalysis Provider = "speech-analysis"
)

// Providers lists every known provider in a stable order.
var Providers = []Provider{
	ProviderASR,
	ProviderTranslation,
	ProviderTTSStandard,
	ProviderTTSPremium,
	ProviderSpeechAnalysis,
}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	for _, p := range Providers {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// TTSProvider returns the synthesis provider for a voice quality.
func TTSProvider(q VoiceQuality) Provider {
	if q == VoiceQualityPremium {
		return ProviderTTSPremium
	}
	return ProviderTTSStandard
}
