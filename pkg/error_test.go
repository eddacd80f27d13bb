package pkg

import (
	"errors"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindInternal, "internal"},
		{KindConfigInvalid, "config_invalid"},
		{KindBundleNotFound, "bundle_not_found"},
		{KindUsbOpen, "usb_open"},
		{KindUsbTransient, "usb_transient"},
		{KindUsbIO, "usb_io"},
		{KindDeviceGone, "device_gone"},
		{KindImageMissing, "image_missing"},
		{KindRequestTimeout, "request_timeout"},
		{Kind(99), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if Classify(KindUsbIO, nil) != nil {
		t.Error("Classify(_, nil) should return nil")
	}

	err := Classify(KindDeviceGone, ErrNoDevice)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("Classify result does not unwrap to ErrNoDevice: %v", err)
	}

	var c *Classified
	if !errors.As(err, &c) {
		t.Fatal("Classify result is not a *Classified")
	}
	if c.Kind != KindDeviceGone {
		t.Errorf("Kind = %v, want %v", c.Kind, KindDeviceGone)
	}
	if c.Error() != "device_gone: device not present" {
		t.Errorf("Error() = %q", c.Error())
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{
		ErrStall,
		ErrTimeout,
		ErrCancelled,
		ErrProtocol,
		ErrNoDevice,
		ErrInvalidEndpoint,
		ErrInvalidState,
		ErrNotSupported,
		ErrBusy,
		ErrNotFound,
		ErrPermission,
		ErrShort,
		ErrMalformed,
		ErrConfigInvalid,
		ErrImageMissing,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrStall, "endpoint stalled"},
		{ErrTimeout, "transfer timeout"},
		{ErrNoDevice, "device not present"},
		{ErrImageMissing, "requested image not available"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("error.Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}
