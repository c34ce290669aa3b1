package reply_test

import (
	"encoding/base64"
	"testing"

	"github.com/MrWong99/parley/pkg/reply"
)

func applyAll(tr *reply.Tracker, frames ...string) []reply.Event {
	var out []reply.Event
	for _, f := range frames {
		out = append(out, tr.Apply([]byte(f))...)
	}
	return out
}

func TestTracker_Supersession(t *testing.T) {
	t.Parallel()

	tr := reply.NewTracker()
	evs := applyAll(tr,
		`{"type":"response.created","response":{"id":"a"}}`,
		`{"type":"response.output_text.delta","response_id":"a","delta":"old"}`,
		`{"type":"response.created","response":{"id":"b"}}`,
		`{"type":"response.output_text.delta","response_id":"a","delta":"stale"}`,
		`{"type":"response.output_text.delta","response_id":"b","delta":"new"}`,
		`{"type":"response.done","response":{"id":"a","status":"completed"}}`,
		`{"type":"response.done","response":{"id":"b","status":"completed"}}`,
	)

	var afterSecond []reply.Event
	seenB := false
	for _, ev := range evs {
		if ev.Kind == reply.KindCreated && ev.ResponseID == "b" {
			seenB = true
			continue
		}
		if seenB {
			afterSecond = append(afterSecond, ev)
		}
	}
	if len(afterSecond) != 2 {
		t.Fatalf("events after second creation = %+v, want delta and completion", afterSecond)
	}
	for _, ev := range afterSecond {
		if ev.ResponseID != "b" {
			t.Errorf("event %v tagged %q, want %q", ev.Kind, ev.ResponseID, "b")
		}
	}
	if afterSecond[0].Text != "new" {
		t.Errorf("delta = %q, want %q", afterSecond[0].Text, "new")
	}
	if afterSecond[1].Kind != reply.KindCompleted || afterSecond[1].Text != "new" {
		t.Errorf("completion = %+v, want completed with text %q", afterSecond[1], "new")
	}
}

func TestTracker_CancelSuppresses(t *testing.T) {
	t.Parallel()

	tr := reply.NewTracker()
	applyAll(tr, `{"type":"response.created","response":{"id":"r1"}}`)

	if got := tr.Cancel(); got != "r1" {
		t.Fatalf("Cancel = %q, want %q", got, "r1")
	}
	if got := tr.Cancel(); got != "" {
		t.Errorf("second Cancel = %q, want empty", got)
	}

	evs := applyAll(tr,
		`{"type":"response.output_audio.delta","response_id":"r1","delta":"AAAA"}`,
		`{"type":"response.done","response":{"id":"r1","status":"cancelled"}}`,
		`{"type":"error","error":{"type":"invalid_request_error","code":"response_cancel_not_active","message":"no active response"}}`,
	)
	if len(evs) != 0 {
		t.Fatalf("events after cancel = %+v, want none", evs)
	}

	evs = applyAll(tr,
		`{"type":"response.created","response":{"id":"r2"}}`,
		`{"type":"response.output_text.delta","response_id":"r2","delta":"ok"}`,
	)
	if len(evs) != 2 || evs[1].Text != "ok" {
		t.Errorf("events for next response = %+v", evs)
	}
}

func TestTracker_DropsFramesOutsideActiveWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  func(tr *reply.Tracker)
		frames []string
	}{
		{
			name: "after completion",
			setup: func(tr *reply.Tracker) {
				applyAll(tr,
					`{"type":"response.created","response":{"id":"a"}}`,
					`{"type":"response.output_text.delta","response_id":"a","delta":"hi"}`,
					`{"type":"response.done","response":{"id":"a","status":"completed"}}`,
				)
			},
			frames: []string{
				`{"type":"response.output_text.delta","response_id":"a","delta":"late-a"}`,
				`{"type":"response.output_audio.delta","response_id":"a","delta":"AAAA"}`,
				`{"type":"response.output_text.delta","delta":"untagged"}`,
				`{"type":"response.done","response":{"id":"a","status":"completed"}}`,
			},
		},
		{
			name: "after cancel and its done",
			setup: func(tr *reply.Tracker) {
				applyAll(tr, `{"type":"response.created","response":{"id":"r1"}}`)
				tr.Cancel()
				applyAll(tr, `{"type":"response.done","response":{"id":"r1","status":"cancelled"}}`)
			},
			frames: []string{
				`{"type":"response.audio.delta","response_id":"r1","delta":"AAAA"}`,
				`{"type":"response.output_text.delta","response_id":"r1","delta":"late"}`,
				`{"type":"response.done","response":{"id":"r1","status":"cancelled"}}`,
			},
		},
		{
			name:  "before any creation",
			setup: func(*reply.Tracker) {},
			frames: []string{
				`{"type":"response.output_text.delta","response_id":"x","delta":"early"}`,
				`{"type":"response.output_audio.delta","response_id":"x","delta":"AAAA"}`,
				`{"type":"response.done","response":{"id":"x","status":"completed"}}`,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := reply.NewTracker()
			tt.setup(tr)
			if evs := applyAll(tr, tt.frames...); len(evs) != 0 {
				t.Fatalf("events = %+v, want none", evs)
			}
			if tr.Active() != "" {
				t.Errorf("Active = %q, want empty", tr.Active())
			}

			evs := applyAll(tr,
				`{"type":"response.created","response":{"id":"next"}}`,
				`{"type":"response.output_text.delta","response_id":"next","delta":"ok"}`,
				`{"type":"response.done","response":{"id":"next","status":"completed"}}`,
			)
			want := []reply.Kind{reply.KindCreated, reply.KindTextDelta, reply.KindCompleted}
			if !equalKinds(kinds(evs), want) {
				t.Fatalf("kinds = %v, want %v", kinds(evs), want)
			}
			if evs[2].Text != "ok" {
				t.Errorf("completion text = %q, want %q", evs[2].Text, "ok")
			}
		})
	}
}

func TestTracker_AudioDelta(t *testing.T) {
	t.Parallel()

	pcm := []byte{9, 8, 7, 6}
	tr := reply.NewTracker()
	evs := applyAll(tr,
		`{"type":"response.created","response":{"id":"r"}}`,
		`{"type":"response.audio.delta","response_id":"r","delta":"`+base64.StdEncoding.EncodeToString(pcm)+`"}`,
		`{"type":"response.output_audio.delta","response_id":"r","delta":"%%%"}`,
	)
	if len(evs) != 2 || evs[1].Kind != reply.KindAudioDelta {
		t.Fatalf("events = %+v, want created and one audio delta", evs)
	}
	if string(evs[1].Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", evs[1].Audio, pcm)
	}
}

func TestTracker_DoneStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		frame      string
		wantKind   reply.Kind
		wantReason string
	}{
		{
			name:     "completed",
			frame:    `{"type":"response.done","response":{"id":"r","status":"completed"}}`,
			wantKind: reply.KindCompleted,
		},
		{
			name:       "failed with detail",
			frame:      `{"type":"response.done","response":{"id":"r","status":"failed","status_details":{"error":{"message":"server overloaded"}}}}`,
			wantKind:   reply.KindFailed,
			wantReason: "server overloaded",
		},
		{
			name:       "cancelled by server",
			frame:      `{"type":"response.done","response":{"id":"r","status":"cancelled"}}`,
			wantKind:   reply.KindFailed,
			wantReason: "cancelled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := reply.NewTracker()
			evs := applyAll(tr, `{"type":"response.created","response":{"id":"r"}}`, tt.frame)
			if len(evs) != 2 {
				t.Fatalf("events = %+v", evs)
			}
			if evs[1].Kind != tt.wantKind || evs[1].Reason != tt.wantReason {
				t.Errorf("terminal = %v %q, want %v %q", evs[1].Kind, evs[1].Reason, tt.wantKind, tt.wantReason)
			}
			if tr.Active() != "" {
				t.Errorf("Active = %q after done, want empty", tr.Active())
			}
		})
	}
}

func TestTracker_ErrorFailsActiveResponse(t *testing.T) {
	t.Parallel()

	tr := reply.NewTracker()
	evs := applyAll(tr,
		`{"type":"response.created","response":{"id":"r"}}`,
		`{"type":"error","error":{"message":"boom"}}`,
	)
	if len(evs) != 2 || evs[1].Kind != reply.KindFailed || evs[1].ResponseID != "r" {
		t.Fatalf("events = %+v, want failure of r", evs)
	}

	// An error with nothing active still reports, untagged.
	evs = applyAll(tr, `{"type":"error","error":{"code":"input_audio_buffer_commit_empty","message":"buffer too small"}}`)
	if len(evs) != 1 || evs[0].ResponseID != "" || evs[0].Reason != "buffer too small" {
		t.Errorf("events = %+v, want one untagged failure", evs)
	}
}

func TestTracker_SideEvents(t *testing.T) {
	t.Parallel()

	tr := reply.NewTracker()
	evs := applyAll(tr,
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"input_audio_buffer.speech_stopped"}`,
		`{"type":"conversation.item.input_audio_transcription.delta","delta":"hel"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`,
		`{"type":"session.updated"}`,
		`not json`,
	)
	want := []reply.Kind{reply.KindSpeechStarted, reply.KindSpeechStopped, reply.KindInputTranscript, reply.KindInputTranscript}
	if !equalKinds(kinds(evs), want) {
		t.Fatalf("kinds = %v, want %v", kinds(evs), want)
	}
	if evs[2].Final || !evs[3].Final || evs[3].Text != "hello" {
		t.Errorf("transcripts = %+v", evs[2:])
	}
}
