package gemini

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/vango-go/vai-live/pkg/core/live"
	"google.golang.org/genai"
)

// convertMessage splits one Live server message into the session messages it
// carries, in the order they are applied: transcripts, turn completion,
// audio, interruption.
func convertMessage(msg *genai.LiveServerMessage, outRate int) []live.ServerMessage {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	content := msg.ServerContent

	var out []live.ServerMessage
	if t := content.InputTranscription; t != nil && t.Text != "" {
		out = append(out, live.TranscriptMessage{Speaker: live.SpeakerUser, Text: t.Text})
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, live.TranscriptMessage{Speaker: live.SpeakerModel, Text: t.Text})
	}
	if content.TurnComplete {
		out = append(out, live.TurnCompleteMessage{})
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(strings.ToLower(part.InlineData.MIMEType), "audio/") {
				continue
			}
			out = append(out, live.AudioMessage{Chunk: live.EncodedChunk{
				Data:       base64.StdEncoding.EncodeToString(part.InlineData.Data),
				SampleRate: rateFromMIME(part.InlineData.MIMEType, outRate),
				Channels:   1,
			}})
		}
	}
	if content.Interrupted {
		out = append(out, live.InterruptedMessage{})
	}
	return out
}

// rateFromMIME reads the rate parameter of an "audio/pcm;rate=24000" type.
func rateFromMIME(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rate") {
			continue
		}
		if rate, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}
