package gemini

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-live/pkg/core/live"
	"google.golang.org/genai"
)

// buildConnectConfig translates the session parameters into a Live setup.
func buildConnectConfig(cfg live.ConnectConfig) *genai.LiveConnectConfig {
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = DefaultVoice
	}

	speech := &genai.SpeechConfig{
		VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
		},
	}
	if lang := strings.TrimSpace(cfg.Language); lang != "" {
		speech.LanguageCode = lang
	}

	return &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SpeechConfig:             speech,
		SystemInstruction:        &genai.Content{Parts: []*genai.Part{{Text: systemInstruction(cfg)}}},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
}

// systemInstruction returns the configured instruction, falling back to the
// default, with a reply-language directive appended when a language is set.
func systemInstruction(cfg live.ConnectConfig) string {
	instruction := strings.TrimSpace(cfg.SystemInstruction)
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}
	if lang := strings.TrimSpace(cfg.Language); lang != "" {
		instruction = fmt.Sprintf("%s Always respond in the language identified by %q.", instruction, lang)
	}
	return instruction
}

// stripProviderPrefix removes the provider prefix from a model string.
// "gemini/gemini-2.5-flash" -> "gemini-2.5-flash"
func stripProviderPrefix(model string) string {
	model = strings.TrimSpace(model)
	if idx := strings.Index(model, "/"); idx != -1 {
		return model[idx+1:]
	}
	return model
}
