package transcription

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/harunnryd/snapvoice/pkg/frames"
)

// FixedQuery is the streaming policy sent on every connection. It is not
// user-configurable.
const FixedQuery = "isAckEnabled=false" +
	"&partialSilenceThresholdInMs=0" +
	"&finalSilenceThresholdInMs=1000" +
	"&stabilizePartialResults=NONE" +
	"&shouldIgnoreInvalidCustomizations=false" +
	"&languageCode=en-US" +
	"&modelDomain=GENERIC" +
	"&punctuation=NONE" +
	"&encoding=audio/raw;rate=16000"

const (
	eventConnect = "CONNECT"
	eventResult  = "RESULT"
	eventError   = "ERROR"

	authTypeToken = "TOKEN"
)

// BuildURL renders wss://<host>/<path>?<FixedQuery>. A host that already
// carries a ws:// or wss:// scheme keeps it.
func BuildURL(host, path string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(host, "ws://") && !strings.HasPrefix(host, "wss://") {
		host = "wss://" + host
	}
	return host + "/" + strings.TrimLeft(strings.TrimSpace(path), "/") + "?" + FixedQuery
}

type authMessage struct {
	AuthenticationType string `json:"authenticationType"`
	Token              string `json:"token"`
	CompartmentID      string `json:"compartmentId"`
}

func encodeAuth(token, compartmentID string) ([]byte, error) {
	return json.Marshal(authMessage{
		AuthenticationType: authTypeToken,
		Token:              token,
		CompartmentID:      compartmentID,
	})
}

type inboundTranscription struct {
	Transcription string   `json:"transcription"`
	IsFinal       bool     `json:"isFinal"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

type inboundMessage struct {
	Event          string                 `json:"event"`
	Message        string                 `json:"message,omitempty"`
	Code           int                    `json:"code,omitempty"`
	SessionID      string                 `json:"sessionId,omitempty"`
	Transcriptions []inboundTranscription `json:"transcriptions,omitempty"`
}

func decodeInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	err := json.Unmarshal(data, &msg)
	msg.Event = strings.ToUpper(strings.TrimSpace(msg.Event))
	return msg, err
}

func (m inboundMessage) events(at time.Time) []frames.TranscriptEvent {
	out := make([]frames.TranscriptEvent, 0, len(m.Transcriptions))
	for _, t := range m.Transcriptions {
		out = append(out, frames.TranscriptEvent{
			Text:       t.Transcription,
			IsFinal:    t.IsFinal,
			Confidence: t.Confidence,
			ReceivedAt: at,
		})
	}
	return out
}
