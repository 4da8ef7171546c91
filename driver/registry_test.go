package driver

import (
	"errors"
	"testing"
	"time"
)

// stubDevice implements Device for registry tests.
type stubDevice struct {
	name      string
	destroyed bool
}

func (s *stubDevice) Info() DeviceInfo { return DeviceInfo{Name: s.name} }

func (s *stubDevice) Queues() []QueueInfo {
	return []QueueInfo{{ID: 1, Kind: QueueGraphics}}
}

func (s *stubDevice) CreateBuffer(BufferDesc) (BufferID, error) { return 1, nil }
func (s *stubDevice) DestroyBuffer(BufferID)                    {}

func (s *stubDevice) WriteBuffer(BufferID, uint64, []byte) error { return nil }

func (s *stubDevice) ReadBuffer(BufferID, uint64, uint64) ([]byte, error) {
	return nil, ErrUnsupported
}

func (s *stubDevice) CreateImage(ImageDesc) (ImageID, error) { return 1, nil }
func (s *stubDevice) DestroyImage(ImageID)                   {}

func (s *stubDevice) CreatePipeline(PipelineDesc) (PipelineID, error) { return 1, nil }
func (s *stubDevice) DestroyPipeline(PipelineID)                      {}

func (s *stubDevice) CreateRasterizerState(RasterizerDesc) (StateID, error) { return 1, nil }
func (s *stubDevice) CreateBlendState(BlendDesc) (StateID, error)           { return 1, nil }

func (s *stubDevice) CreateDepthStencilState(DepthStencilDesc) (StateID, error) {
	return 1, nil
}

func (s *stubDevice) CreateMultisampleState(MultisampleDesc) (StateID, error) {
	return 1, nil
}

func (s *stubDevice) CreateViewportState(ViewportDesc) (StateID, error) { return 1, nil }
func (s *stubDevice) DestroyState(StateID)                              {}

func (s *stubDevice) CreateFence() (FenceID, error)          { return 1, nil }
func (s *stubDevice) DestroyFence(FenceID)                   {}
func (s *stubDevice) FenceStatus(FenceID) (bool, error)      { return true, nil }
func (s *stubDevice) WaitFence(FenceID, time.Duration) error { return nil }

func (s *stubDevice) CreateSemaphore() (SemaphoreID, error) { return 1, nil }
func (s *stubDevice) DestroySemaphore(SemaphoreID)          {}

func (s *stubDevice) Submit(QueueID, SubmitInfo) error          { return nil }
func (s *stubDevice) Present(QueueID, ImageID, SurfaceID) error { return nil }

func (s *stubDevice) ThreadSafe() bool { return true }
func (s *stubDevice) Poll(bool)        {}
func (s *stubDevice) Destroy()         { s.destroyed = true }

func TestRegisterAndOpen(t *testing.T) {
	Register("stub-a", func() (Device, error) {
		return &stubDevice{name: "stub-a"}, nil
	})
	defer Unregister("stub-a")

	if !IsRegistered("stub-a") {
		t.Fatal("stub-a should be registered")
	}

	dev, err := Open("stub-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dev.Info().Name != "stub-a" {
		t.Errorf("Info().Name = %q, want %q", dev.Info().Name, "stub-a")
	}
	dev.Destroy()
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open("no-such-driver")
	if !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Open(unknown) error = %v, want ErrNotAvailable", err)
	}
}

func TestOpenFactoryError(t *testing.T) {
	wantErr := errors.New("device init failed")
	Register("stub-failing", func() (Device, error) {
		return nil, wantErr
	})
	defer Unregister("stub-failing")

	_, err := Open("stub-failing")
	if !errors.Is(err, wantErr) {
		t.Errorf("Open() error = %v, want factory error", err)
	}
}

func TestUnregister(t *testing.T) {
	Register("stub-b", func() (Device, error) {
		return &stubDevice{name: "stub-b"}, nil
	})
	Unregister("stub-b")

	if IsRegistered("stub-b") {
		t.Error("stub-b should be unregistered")
	}
	if _, err := Open("stub-b"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Open(unregistered) error = %v, want ErrNotAvailable", err)
	}
}

func TestAvailable(t *testing.T) {
	Register("stub-c", func() (Device, error) {
		return &stubDevice{name: "stub-c"}, nil
	})
	defer Unregister("stub-c")

	found := false
	for _, name := range Available() {
		if name == "stub-c" {
			found = true
		}
	}
	if !found {
		t.Errorf("Available() = %v, want it to include stub-c", Available())
	}
}

func TestDefaultPrefersPriorityOrder(t *testing.T) {
	// An arbitrary extra driver must not shadow the priority list.
	Register("stub-extra", func() (Device, error) {
		return &stubDevice{name: "stub-extra"}, nil
	})
	defer Unregister("stub-extra")

	Register(NameSoftware, func() (Device, error) {
		return &stubDevice{name: NameSoftware}, nil
	})
	defer Unregister(NameSoftware)

	dev, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	defer dev.Destroy()

	// The native driver may or may not be registered in this build; either
	// way the chosen driver must come from the priority list.
	name := dev.Info().Name
	if name == "stub-extra" {
		t.Errorf("Default() picked %q over the priority list", name)
	}
}
