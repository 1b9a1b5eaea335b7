package eventrouter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvidio/sentinel/internal/mqtt"
)

type fakeMQTT struct {
	subs map[string]mqtt.Handler
}

func newFakeMQTT() *fakeMQTT { return &fakeMQTT{subs: make(map[string]mqtt.Handler)} }

func (f *fakeMQTT) Connect(context.Context) error { return nil }
func (f *fakeMQTT) Publish(context.Context, string, string) error { return nil }
func (f *fakeMQTT) Subscribe(topic string, h mqtt.Handler) error {
	f.subs[topic] = h
	return nil
}
func (f *fakeMQTT) IsConnected() bool { return true }
func (f *fakeMQTT) Disconnect()       {}

func TestRouterDispatchesBirdEventsOnly(t *testing.T) {
	client := newFakeMQTT()
	var gotDetections []NVREvent
	done := make(chan struct{}, 1)

	r := New(Config{NVRTopic: "nvr", AudioTopic: "audio"}, client,
		func(_ context.Context, evt NVREvent) { gotDetections = append(gotDetections, evt); done <- struct{}{} },
		nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	birdPayload, _ := json.Marshal(map[string]any{"type": "new", "after": map[string]any{"id": "1", "label": "bird", "camera": "front"}})
	catPayload, _ := json.Marshal(map[string]any{"type": "new", "after": map[string]any{"id": "2", "label": "cat", "camera": "front"}})

	client.subs["nvr"]("nvr", catPayload)
	client.subs["nvr"]("nvr", birdPayload)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	require.Len(t, gotDetections, 1)
	require.Equal(t, "1", gotDetections[0].After.ID)
}

func TestRouterFiltersDisallowedCameras(t *testing.T) {
	client := newFakeMQTT()
	var got []NVREvent
	done := make(chan struct{}, 1)

	r := New(Config{NVRTopic: "nvr", AudioTopic: "audio", AllowedCameras: map[string]bool{"front": true}}, client,
		func(_ context.Context, evt NVREvent) { got = append(got, evt); done <- struct{}{} }, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	backyard, _ := json.Marshal(map[string]any{"after": map[string]any{"id": "1", "label": "bird", "camera": "backyard"}})
	front, _ := json.Marshal(map[string]any{"after": map[string]any{"id": "2", "label": "bird", "camera": "front"}})
	client.subs["nvr"]("nvr", backyard)
	client.subs["nvr"]("nvr", front)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.Len(t, got, 1)
	require.Equal(t, "2", got[0].After.ID)
}

func TestAudioEventDispatch(t *testing.T) {
	client := newFakeMQTT()
	done := make(chan AudioEvent, 1)
	r := New(Config{NVRTopic: "nvr", AudioTopic: "audio"}, client, nil,
		func(_ context.Context, evt AudioEvent) { done <- evt }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	payload, _ := json.Marshal(AudioEvent{SensorID: "backyard", Species: "Robin", Score: 0.8})
	client.subs["audio"]("audio", payload)

	select {
	case evt := <-done:
		require.Equal(t, "Robin", evt.Species)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestIsGenericSubLabel(t *testing.T) {
	require.True(t, IsGenericSubLabel(""))
	require.True(t, IsGenericSubLabel("Bird"))
	require.True(t, IsGenericSubLabel("unknown"))
	require.False(t, IsGenericSubLabel("House Sparrow"))
}

func TestMalformedPayloadIsIgnored(t *testing.T) {
	client := newFakeMQTT()
	r := New(Config{NVRTopic: "nvr", AudioTopic: "audio"}, client,
		func(context.Context, NVREvent) { t.Fatal("handler should not run") }, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	client.subs["nvr"]("nvr", []byte("not json"))
	time.Sleep(50 * time.Millisecond)
}
