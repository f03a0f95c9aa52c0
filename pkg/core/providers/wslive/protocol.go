package wslive

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-live/pkg/core/live"
)

const (
	ProtocolVersion1 = "1"

	AudioEncodingPCM16LE = "pcm_s16le"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes negotiated live audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloAuth struct {
	APIKey string `json:"api_key,omitempty"`
}

type HelloVoice struct {
	VoiceID  string `json:"voice_id,omitempty"`
	Language string `json:"language,omitempty"`
}

type HelloFeatures struct {
	WantInputTranscripts  bool `json:"want_input_transcripts,omitempty"`
	WantOutputTranscripts bool `json:"want_output_transcripts,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Auth            *HelloAuth    `json:"auth,omitempty"`
	Model           string        `json:"model"`
	System          string        `json:"system,omitempty"`
	AudioIn         AudioFormat   `json:"audio_in"`
	AudioOut        AudioFormat   `json:"audio_out"`
	Voice           *HelloVoice   `json:"voice,omitempty"`
	Features        HelloFeatures `json:"features,omitempty"`
}

type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	DataB64 string `json:"data_b64"`
}

type ServerHelloAck struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

type ServerTranscriptDelta struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Delta   string `json:"delta"`
}

type ServerAudioChunk struct {
	Type         string `json:"type"`
	Seq          int64  `json:"seq,omitempty"`
	SampleRateHz int    `json:"sample_rate_hz,omitempty"`
	DataB64      string `json:"data_b64"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerInterrupted struct {
	Type string `json:"type"`
}

type ServerSessionClosed struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeServerMessage converts a text frame into a live.ServerMessage.
// hello_ack frames decode to *ServerHelloAck. outRate is used for audio
// chunks that do not carry their own sample rate.
func DecodeServerMessage(data []byte, outRate int) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	switch strings.TrimSpace(env.Type) {
	case "hello_ack":
		var msg ServerHelloAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello_ack", "")
		}
		return &msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return live.ErrorMessage{Code: strings.TrimSpace(msg.Code), Message: strings.TrimSpace(msg.Message)}, nil
	case "transcript_delta":
		var msg ServerTranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript_delta", "")
		}
		speaker := live.Speaker(strings.ToLower(strings.TrimSpace(msg.Speaker)))
		if speaker != live.SpeakerUser && speaker != live.SpeakerModel {
			return nil, badRequest("unknown speaker", "speaker")
		}
		return live.TranscriptMessage{Speaker: speaker, Text: msg.Delta}, nil
	case "audio_chunk":
		var msg ServerAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		rate := msg.SampleRateHz
		if rate <= 0 {
			rate = outRate
		}
		return live.AudioMessage{Chunk: live.EncodedChunk{Data: msg.DataB64, SampleRate: rate, Channels: 1}}, nil
	case "turn_complete":
		return live.TurnCompleteMessage{}, nil
	case "interrupted":
		return live.InterruptedMessage{}, nil
	case "session_closed":
		var msg ServerSessionClosed
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_closed", "")
		}
		return live.ClosedMessage{Reason: msg.Reason}, nil
	case "":
		return nil, badRequest("missing type", "type")
	default:
		return nil, unsupported("unsupported message type", env.Type)
	}
}
