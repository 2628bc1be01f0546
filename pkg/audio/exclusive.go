package audio

import (
	"context"
	"sync"
)

// Compile-time interface assertion.
var _ Host = (*ExclusiveHost)(nil)

// ExclusiveHost wraps a [Host] so that each device kind has at most one
// owner at a time. Acquiring a device that is already held fails with an
// [*AcquisitionError] wrapping [ErrDeviceBusy] instead of sharing it.
// Ownership ends when the returned device is closed.
type ExclusiveHost struct {
	inner Host

	mu      sync.Mutex
	micHeld bool
	spkHeld bool
}

// NewExclusiveHost returns an [ExclusiveHost] guarding inner.
func NewExclusiveHost(inner Host) *ExclusiveHost {
	return &ExclusiveHost{inner: inner}
}

// OpenMicrophone implements [Host].
func (h *ExclusiveHost) OpenMicrophone(ctx context.Context, want Format) (Microphone, error) {
	if !h.claim(&h.micHeld) {
		return nil, &AcquisitionError{Device: DeviceMicrophone, Err: ErrDeviceBusy}
	}
	mic, err := h.inner.OpenMicrophone(ctx, want)
	if err != nil {
		h.release(&h.micHeld)
		return nil, err
	}
	return &exclusiveMic{Microphone: mic, release: func() { h.release(&h.micHeld) }}, nil
}

// OpenSpeaker implements [Host].
func (h *ExclusiveHost) OpenSpeaker(ctx context.Context, want Format) (Speaker, error) {
	if !h.claim(&h.spkHeld) {
		return nil, &AcquisitionError{Device: DeviceSpeaker, Err: ErrDeviceBusy}
	}
	spk, err := h.inner.OpenSpeaker(ctx, want)
	if err != nil {
		h.release(&h.spkHeld)
		return nil, err
	}
	return &exclusiveSpeaker{Speaker: spk, release: func() { h.release(&h.spkHeld) }}, nil
}

func (h *ExclusiveHost) claim(held *bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if *held {
		return false
	}
	*held = true
	return true
}

func (h *ExclusiveHost) release(held *bool) {
	h.mu.Lock()
	*held = false
	h.mu.Unlock()
}

type exclusiveMic struct {
	Microphone
	once    sync.Once
	release func()
}

func (m *exclusiveMic) Close() error {
	var err error
	m.once.Do(func() {
		err = m.Microphone.Close()
		m.release()
	})
	return err
}

type exclusiveSpeaker struct {
	Speaker
	once    sync.Once
	release func()
}

func (s *exclusiveSpeaker) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Speaker.Close()
		s.release()
	})
	return err
}
