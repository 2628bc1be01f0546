package gemini_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// handshake consumes the setup message and acknowledges it.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// audioMessage builds a serverContent message whose first part carries data.
func audioMessage(data string) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []map[string]any{
					{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": data}},
				},
			},
		},
	}
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

// recorder collects connection events in arrival order.
type recorder struct {
	ch chan s2s.Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan s2s.Event, 64)} }

func (r *recorder) handle(e s2s.Event) { r.ch <- e }

// next waits for the next event and fails unless it has the wanted kind.
func (r *recorder) next(t *testing.T, want s2s.EventKind) s2s.Event {
	t.Helper()
	select {
	case e := <-r.ch:
		if e.Kind != want {
			t.Fatalf("event kind = %v (err=%v); want %v", e.Kind, e.Err, want)
		}
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %v event", want)
		return s2s.Event{}
	}
}

// ── Option / setup tests ──────────────────────────────────────────────────────

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if p.Model() == "" {
		t.Fatal("default model is empty")
	}
	if got := gemini.New("k", gemini.WithModel("")).Model(); got != p.Model() {
		t.Errorf("WithModel(\"\") changed model to %q", got)
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	c, err := p.Connect(context.Background(), s2s.SessionConfig{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	cfg := s2s.SessionConfig{
		Instructions:  "Answer briefly.",
		Voice:         "Aoede",
		Transcription: true,
	}
	c, err := p.Connect(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case msg := <-received:
		if !strings.HasPrefix(msg.Setup.Model, "models/") {
			t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
			t.Errorf("responseModalities = %v; want [AUDIO]", got)
		}
		if msg.Setup.SystemInstruction == nil {
			t.Fatal("systemInstruction is nil")
		}
		if len(msg.Setup.SystemInstruction.Parts) == 0 || msg.Setup.SystemInstruction.Parts[0].Text != "Answer briefly." {
			t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
		}
		if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
			t.Errorf("speechConfig = %+v; want voice Aoede", sc)
		}
		if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
			t.Error("transcription config missing from setup")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_MinimalSetupOmitsOptionalFields(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup map[string]any `json:"setup"`
		}
		readJSON(t, conn, &msg)
		received <- msg.Setup
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case setup := <-received:
		for _, key := range []string{"systemInstruction", "inputAudioTranscription", "outputAudioTranscription"} {
			if _, ok := setup[key]; ok {
				t.Errorf("setup contains %q; want omitted", key)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	c, err := p.Connect(context.Background(), s2s.SessionConfig{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsConnectionError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	rec := newRecorder()
	_, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}, rec.handle)
	var connErr *s2s.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v; want *s2s.ConnectionError", err)
	}
	if connErr.Op != "dial" {
		t.Errorf("Op = %q; want dial", connErr.Op)
	}
	select {
	case e := <-rec.ch:
		t.Errorf("unexpected event after failed Connect: %v", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestSetupComplete_DeliversOpenOnce(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		sendSetupComplete(t, conn) // duplicate ack
		writeJSON(t, conn, audioMessage("AAA="))
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	rec.next(t, s2s.EventMessage)
}

func TestInboundAudio_ForwardedVerbatim(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, audioMessage(encoded))
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	msg := rec.next(t, s2s.EventMessage).Message
	if !msg.HasAudio() {
		t.Fatal("message has no audio")
	}
	if msg.Audio != encoded {
		t.Errorf("Audio = %q; want %q", msg.Audio, encoded)
	}
	if msg.AudioMIMEType != "audio/pcm;rate=24000" {
		t.Errorf("AudioMIMEType = %q", msg.AudioMIMEType)
	}
}

func TestInboundAudio_OnlyFirstPartIsAudio(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"text": "hello"},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAA="}},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	msg := rec.next(t, s2s.EventMessage).Message
	if msg.HasAudio() {
		t.Errorf("Audio = %q; want empty when parts[0] has no inline data", msg.Audio)
	}
	if msg.Text != "hello" {
		t.Errorf("Text = %q; want hello", msg.Text)
	}
}

func TestInboundMessages_PreserveArrivalOrder(t *testing.T) {
	t.Parallel()

	const n = 10
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for i := range n {
			writeJSON(t, conn, audioMessage(fmt.Sprintf("chunk-%02d", i)))
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	for i := range n {
		msg := rec.next(t, s2s.EventMessage).Message
		if want := fmt.Sprintf("chunk-%02d", i); msg.Audio != want {
			t.Fatalf("message %d Audio = %q; want %q", i, msg.Audio, want)
		}
	}
}

func TestInboundControlFields(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "what time is it"},
				"outputTranscription": map[string]any{"text": "it is noon"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	tr := rec.next(t, s2s.EventMessage).Message
	if tr.InputTranscript != "what time is it" || tr.OutputTranscript != "it is noon" {
		t.Errorf("transcripts = %q / %q", tr.InputTranscript, tr.OutputTranscript)
	}
	if !rec.next(t, s2s.EventMessage).Message.Interrupted {
		t.Error("second message should be interrupted")
	}
	if !rec.next(t, s2s.EventMessage).Message.TurnComplete {
		t.Error("third message should be turnComplete")
	}
}

func TestInbound_IgnoresOtherShapesAndMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"toolCall": map[string]any{"functionCalls": []any{}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{}})
		writeJSON(t, conn, audioMessage("AAA="))
		<-conn.CloseRead(ctx).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	if msg := rec.next(t, s2s.EventMessage).Message; msg.Audio != "AAA=" {
		t.Errorf("first delivered message Audio = %q; want AAA=", msg.Audio)
	}
}

func TestInbound_MalformedFramesAreLoggedAtLimitedRate(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx := context.Background()
		for range 3 {
			_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		}
		writeJSON(t, conn, audioMessage("AAA="))
		<-conn.CloseRead(ctx).Done()
	})

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0), gemini.WithLogger(logger))

	rec := newRecorder()
	c, err := p.Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	rec.next(t, s2s.EventMessage)

	// The receive loop logs before dispatching the next frame, so the buffer
	// is settled once the audio message has been observed.
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("logged %d lines, want 1:\n%s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "WARN" || entry["msg"] != "gemini: dropping malformed frame" {
		t.Errorf("log entry = %v", entry)
	}
	if entry["bytes"] != float64(len("{not json")) || entry["model"] != "gemini-2.0-flash-live-001" {
		t.Errorf("log attrs = %v", entry)
	}
}

func TestRemoteError_DeliveredAsEventError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	e := rec.next(t, s2s.EventError)
	var remote *s2s.RemoteError
	if !errors.As(e.Err, &remote) {
		t.Fatalf("Err = %v; want *s2s.RemoteError", e.Err)
	}
	if remote.Code != 429 || remote.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("remote error = %+v", remote)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestRemoteNormalClose_DeliversCleanClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		// Returning runs the deferred normal closure.
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	if e := rec.next(t, s2s.EventClose); e.Err != nil {
		t.Errorf("close Err = %v; want nil for normal closure", e.Err)
	}
}

func TestRemoteAbnormalClose_DeliversConnectionError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	rec.next(t, s2s.EventOpen)
	e := rec.next(t, s2s.EventClose)
	var connErr *s2s.ConnectionError
	if !errors.As(e.Err, &connErr) {
		t.Fatalf("close Err = %v; want *s2s.ConnectionError", e.Err)
	}
	if connErr.Op != "read" {
		t.Errorf("Op = %q; want read", connErr.Op)
	}
}

func TestClose_DeliversCleanCloseAndIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, rec.handle)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.next(t, s2s.EventOpen)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if e := rec.next(t, s2s.EventClose); e.Err != nil {
		t.Errorf("close Err = %v; want nil after local Close", e.Err)
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

type realtimeInputMsg struct {
	RealtimeInput struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	audioMsg := make(chan realtimeInputMsg, 2)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for range 2 {
			var msg realtimeInputMsg
			readJSON(t, conn, &msg)
			audioMsg <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	ctx := context.Background()
	if err := c.SendAudio(ctx, audio.EncodedChunk{Data: wantPCM, MIMEType: "audio/pcm;rate=16000"}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	// An untagged chunk falls back to the session's input rate.
	if err := c.SendAudio(ctx, audio.EncodedChunk{Data: wantPCM}); err != nil {
		t.Fatalf("SendAudio untagged: %v", err)
	}

	for i := range 2 {
		select {
		case msg := <-audioMsg:
			chunks := msg.RealtimeInput.MediaChunks
			if len(chunks) != 1 {
				t.Fatalf("message %d: %d media chunks; want 1", i, len(chunks))
			}
			if chunks[0].MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("message %d: mimeType = %q; want audio/pcm;rate=16000", i, chunks[0].MIMEType)
			}
			got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
			if err != nil {
				t.Fatalf("base64 decode: %v", err)
			}
			if string(got) != string(wantPCM) {
				t.Errorf("decoded audio = %v; want %v", got, wantPCM)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for audio message")
		}
	}
}

func TestSendAudio_PreservesOrder(t *testing.T) {
	t.Parallel()

	const n = 8
	got := make(chan byte, n)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for range n {
			var msg realtimeInputMsg
			readJSON(t, conn, &msg)
			if len(msg.RealtimeInput.MediaChunks) == 1 {
				data, _ := base64.StdEncoding.DecodeString(msg.RealtimeInput.MediaChunks[0].Data)
				if len(data) == 1 {
					got <- data[0]
				}
			}
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	for i := range n {
		if err := c.SendAudio(context.Background(), audio.EncodedChunk{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("SendAudio %d: %v", i, err)
		}
	}
	for i := range n {
		select {
		case b := <-got:
			if int(b) != i {
				t.Fatalf("chunk %d arrived as %d", i, b)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for chunk")
		}
	}
}

func TestSendAudio_AfterClose_ReturnsTransmitError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = c.SendAudio(context.Background(), audio.EncodedChunk{Data: []byte{1, 2}})
	var txErr *s2s.TransmitError
	if !errors.As(err, &txErr) {
		t.Fatalf("SendAudio after Close err = %v; want *s2s.TransmitError", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = c.SendAudio(context.Background(), audio.EncodedChunk{Data: []byte{0x01, 0x02, 0x03, 0x04}})
			}
		})
	}
	wg.Wait()
}
